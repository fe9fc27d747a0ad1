// Package engine is runq's admission controller.
//
// A Scheduler runs submitted work on at most Concurrency goroutines at a
// time. Work that cannot start right away waits in a named queue; when a slot
// frees up the oldest item of the highest-weight non-empty queue starts next.
//
// Known gaps, kept on purpose:
//   - Cleanup forgets in-flight work without cancelling or awaiting it.
//   - Restore recovers identifiers only. Work recorded as running when the
//     previous process died is not restarted (see Recovered).
package engine
