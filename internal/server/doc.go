// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the app registry that maps a Host header to the generation host serving
// that front-end. Diagnostics and control endpoints live under the /-/ prefix
// (see the routes subpackage); everything else is handed to the proxy handler.
package server
