// Package flush periodically persists scheduler state.
//
// The trigger is a robfig/cron schedule. Schedule strings accept cron
// expressions ("*/5 * * * *", "@every 30s", "@hourly"), Go durations ("30s")
// and HH:MM intervals ("00:05"), optionally prefixed with "cron:",
// "interval:" or "every:".
package flush
