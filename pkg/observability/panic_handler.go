package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// It must be called directly in a defer statement:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "cache sweeper")
//	    // ...
//	}()
//
// The panic is not re-raised.
func RecoverPanic(logger *logrus.Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}
