package app

// StopReason is logged when the relay shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopSourceLost StopReason = "source_lost"
)
