// Package cache 定义 generation 状态所在的分区存储：staging、active 与
// manifest-record 三个具名分区，每个分区是 key → Entry 的持久化映射。
// Storage 是进程级的存储句柄，由调用方显式注入各组件，便于测试替换为内存实现。
// 提供 fs（临时文件 + rename）、leveldb 与 memory 三种后端，均可并发访问；
// 迁移过程中的读请求看到的是分区当下的内容，不提供快照隔离。
package cache
