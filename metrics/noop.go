package metrics

import "time"

// NoopRecorder discards every observation. OrNoop falls back to it when
// a checkout is built without metrics.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
