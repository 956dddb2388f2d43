package memphis

import "memphisflow/internal/logging"

// ErrorSink receives errors that surface outside of any call: async
// publish failures, dead-letter subscription faults, transport reconnects.
type ErrorSink interface {
	HandleError(error)
}

// NopErrorSink drops everything.
type NopErrorSink struct{}

func (NopErrorSink) HandleError(error) {}

// LogErrorSink writes every error to the process logger.
type LogErrorSink struct{}

func (LogErrorSink) HandleError(err error) {
	logging.L().Error("memphis: async error", "err", err)
}

// ErrorSinkFunc adapts a plain function.
type ErrorSinkFunc func(error)

func (f ErrorSinkFunc) HandleError(err error) { f(err) }
