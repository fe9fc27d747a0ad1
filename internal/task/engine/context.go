package engine

import "context"

type taskInfoKey struct{}

func withTaskInfo(ctx context.Context, ti TaskInfo) context.Context {
	return context.WithValue(ctx, taskInfoKey{}, ti)
}

// TaskFromContext returns the task running under ctx.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	if ctx == nil {
		return TaskInfo{}, false
	}
	ti, ok := ctx.Value(taskInfoKey{}).(TaskInfo)
	return ti, ok
}
