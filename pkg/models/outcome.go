package models

import "time"

// Outcome is the classified result of testing a proxy. A negative
// outcome carries no latency or protocol; transport-level failures are
// folded into it rather than surfaced as errors.
type Outcome struct {
	Working  bool
	Latency  time.Duration
	Protocol string
}

func Success(latency time.Duration, protocol string) Outcome {
	return Outcome{Working: true, Latency: latency, Protocol: protocol}
}

func Failure() Outcome {
	return Outcome{}
}

// LatencySeconds returns the latency as stored in the database, or nil
// for a negative outcome.
func (o Outcome) LatencySeconds() *float64 {
	if !o.Working {
		return nil
	}
	s := o.Latency.Seconds()
	return &s
}
