// Package logx is runq's structured logging layer.
//
// Logger is a small value type over zerolog:
//   - console output is human-readable (short timestamp, file:line caller)
//   - file output is JSON lines
//   - the zero Logger discards everything, so components never nil-check
//
// Service owns the sinks and can swap level/outputs at runtime (config reload)
// without invalidating Loggers handed out earlier.
package logx
