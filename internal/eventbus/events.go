package eventbus

// Event types published by the scheduler.
const (
	TaskQueued   = "task.queued"
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"

	SchedulerFlushed     = "scheduler.flushed"
	SchedulerCleanup     = "scheduler.cleanup"
	SchedulerConcurrency = "scheduler.concurrency"
)
