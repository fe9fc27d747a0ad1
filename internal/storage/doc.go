// Package storage persists scheduler snapshots.
//
// A Backend stores three things: the pending ids per queue, the ids of running
// tasks and the concurrency limit. Work itself is never persisted, so a
// snapshot lets a fresh process recover counts and identifiers only.
//
// Drivers: memory (default), redis, sqlite, file. The durable drivers share
// one key layout: <prefix>:waiting_tasks, <prefix>:running_tasks and
// <prefix>:concurrency.
package storage
