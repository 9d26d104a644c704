package metrics

import "time"

// Recorder is the metrics surface the scanner and sinks report to.
// It allows running without Prometheus and easy substitution in tests.
type Recorder interface {
	ObserveProbe(outcome string, duration time.Duration)
	ProbeStarted()
	ProbeFinished()
	EndpointFound(models int)
	SetTargetsTotal(total uint64)
	TargetCompleted()
	SinkCommit(sink string, success bool)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveProbe(string, time.Duration) {}
func (Nop) ProbeStarted()                      {}
func (Nop) ProbeFinished()                     {}
func (Nop) EndpointFound(int)                  {}
func (Nop) SetTargetsTotal(uint64)             {}
func (Nop) TargetCompleted()                   {}
func (Nop) SinkCommit(string, bool)            {}

// Ensure implementations satisfy Recorder.
var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = Nop{}
)
