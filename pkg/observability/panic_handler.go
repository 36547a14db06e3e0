package observability

import (
	"runtime/debug"
)

// RecoverPanic must be deferred. It recovers a panic in a background task
// (cron job, event listener, file watcher) and logs it with the stack trace
// instead of crashing the process.
func RecoverPanic(logger *Logger, task string) {
	if r := recover(); r != nil {
		RecoverValue(logger, task, r)
	}
}

// RecoverValue logs a value already obtained from recover().
func RecoverValue(logger *Logger, task string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic": r,
		"stack": string(debug.Stack()),
		"task":  task,
	}).Error("panic recovered")
}
