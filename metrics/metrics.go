package metrics

import "time"

// Metric names emitted by the checkout machines.
const (
	Transitions      = "transition"
	Submissions      = "submission"
	SubmissionErrors = "submission_error"
	MintFinished     = "mint_finished"
	MintFailed       = "mint_failed"
	StaleEvents      = "stale_event"
	SubmitLatency    = "submit"
	ConfirmLatency   = "confirm"
	ConnectLatency   = "connect"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
