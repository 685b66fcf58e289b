package models

import (
	"fmt"
	"strings"
	"time"
)

// DestinationKind distinguishes the three delivery target families of the
// transaction sender.
type DestinationKind string

const (
	DestinationServer      DestinationKind = "server"
	DestinationAppservice  DestinationKind = "appservice"
	DestinationPushGateway DestinationKind = "push"
)

// Destination identifies one outbound delivery target. For push gateways the
// PushKey disambiguates multiple pushers of the same user.
type Destination struct {
	Kind    DestinationKind `json:"kind"`
	Name    string          `json:"name"`
	PushKey string          `json:"push_key,omitempty"`
}

// String renders the destination as the stable key used in the queue tables.
func (d Destination) String() string {
	if d.Kind == DestinationPushGateway {
		return string(d.Kind) + "|" + d.Name + "|" + d.PushKey
	}
	return string(d.Kind) + "|" + d.Name
}

// ParseDestination parses the queue-table key form back into a Destination.
func ParseDestination(s string) (Destination, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 2 {
		return Destination{}, fmt.Errorf("malformed destination key %q", s)
	}
	d := Destination{Kind: DestinationKind(parts[0]), Name: parts[1]}
	switch d.Kind {
	case DestinationServer, DestinationAppservice:
	case DestinationPushGateway:
		if len(parts) == 3 {
			d.PushKey = parts[2]
		}
	default:
		return Destination{}, fmt.Errorf("unknown destination kind %q", parts[0])
	}
	return d, nil
}

// QueuePayloadKind marks a queue entry as a PDU reference or an inline EDU.
type QueuePayloadKind string

const (
	QueuePayloadPDU QueuePayloadKind = "pdu"
	QueuePayloadEDU QueuePayloadKind = "edu"
)

// QueueEntry is one pending delivery for a destination, ordered by the
// monotonic sequence number. PDU entries carry the event id; EDU entries
// carry the serialized EDU.
type QueueEntry struct {
	ID          string           `json:"id"`
	Destination Destination      `json:"destination"`
	Seq         int64            `json:"seq"`
	Kind        QueuePayloadKind `json:"kind"`
	EventID     string           `json:"event_id,omitempty"`
	EDU         []byte           `json:"edu,omitempty"`
	Active      bool             `json:"active"`
	QueuedAt    time.Time        `json:"queued_at"`
}

// RetryPhase is the per-destination delivery state.
type RetryPhase string

const (
	RetryPhaseIdle     RetryPhase = "idle"
	RetryPhaseRunning  RetryPhase = "running"
	RetryPhaseFailed   RetryPhase = "failed"
	RetryPhaseRetrying RetryPhase = "retrying"
)

// RetryState tracks the failure backoff of one destination.
type RetryState struct {
	Phase       RetryPhase `json:"phase"`
	Tries       int        `json:"tries"`
	LastFailure time.Time  `json:"last_failure,omitempty"`
}

// NextAttemptAt returns when the destination may next be attempted:
// min(30s x tries^2, 24h) after the last failure.
func (r RetryState) NextAttemptAt() time.Time {
	if r.Phase != RetryPhaseFailed {
		return time.Time{}
	}
	delay := 30 * time.Second * time.Duration(r.Tries) * time.Duration(r.Tries)
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return r.LastFailure.Add(delay)
}

// EDU is an ephemeral signal carried inside a federation transaction.
type EDU struct {
	Type    string `json:"edu_type"`
	Content []byte `json:"content"`
}

// Transaction limits from the federation specification.
const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
	// MaxReceiptEDUsPerTransaction bounds how many receipt EDUs are folded
	// into one transaction.
	MaxReceiptEDUsPerTransaction = 20
	// StartupReplayBatchLimit is the per-destination queue length above which
	// startup replay logs a warning. It does not limit how many entries the
	// first batch loads.
	StartupReplayBatchLimit = 30
)
