package fault

import (
	"github.com/septivank/energy-usage-service/internal/telemetry"
)

// DefaultThreshold is the number of consecutive empty payloads that marks a device faulty
const DefaultThreshold = 5

// State is the per-device fault latch: a consecutive empty payload counter and the faulty flag
type State struct {
	EmptyPayloadCount int  `json:"empty_payload_count"`
	Faulty            bool `json:"is_faulty"`
}

// Detector owns every transition of a device's fault state
type Detector struct {
	threshold int
}

// NewDetector creates a detector that latches after threshold consecutive empty payloads
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Threshold returns the configured latch threshold
func (d *Detector) Threshold() int {
	return d.threshold
}

// IsEmpty classifies a payload as empty or malformed. Malformed fields are
// dropped during parsing, so only the presence of values matters here.
func (d *Detector) IsEmpty(m telemetry.Measurement) bool {
	return m.IsEmpty()
}

// Observe returns the state after one accepted payload.
// An empty payload increments the counter and latches faulty at the threshold;
// any non-empty payload clears both.
func (d *Detector) Observe(s State, empty bool) State {
	if !empty {
		return State{}
	}
	next := State{EmptyPayloadCount: s.EmptyPayloadCount + 1, Faulty: s.Faulty}
	if next.EmptyPayloadCount >= d.threshold {
		next.Faulty = true
	}
	return next
}

// BecameFaulty reports a transition into the faulty state
func BecameFaulty(prev, next State) bool {
	return !prev.Faulty && next.Faulty
}

// Recovered reports a transition out of the faulty state
func Recovered(prev, next State) bool {
	return prev.Faulty && !next.Faulty
}
