package types

import "fmt"

// Health is the liveness classification of a service instance.
type Health uint8

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnreachable
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the health by name.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = HealthHealthy
	case "degraded":
		*h = HealthDegraded
	case "unreachable":
		*h = HealthUnreachable
	default:
		return fmt.Errorf("types: unknown health %q", b)
	}
	return nil
}

// Instance is a consumer endpoint registered with the hub.
type Instance struct {
	ID string `json:"instance_id"`
	// Address is an http(s) webhook URL or nats://<subject>.
	Address string `json:"address"`
	// Topics holds subscription patterns: "*" matches one segment, ">"
	// matches one or more trailing segments.
	Topics        []string `json:"topics"`
	Weight        int      `json:"weight"`
	Health        Health   `json:"health"`
	LastHeartbeat int64    `json:"last_heartbeat"`
	RegisteredAt  int64    `json:"registered_at"`
	// Secret signs webhook deliveries when non-empty.
	Secret string `json:"secret,omitempty"`
	// Outstanding is the number of deliveries currently running against the
	// instance. Not persisted meaningfully; rebuilt as zero on replay.
	Outstanding int `json:"outstanding"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Topics = append([]string(nil), i.Topics...)
	return &c
}

// Failure kinds recorded on dead letters.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// DeadLetterEntry is a message parked for operator inspection.
type DeadLetterEntry struct {
	MessageID      string    `json:"message_id"`
	Message        Message   `json:"message"`
	LastError      string    `json:"last_error"`
	FailureKind    string    `json:"failure_kind"`
	Attempts       []Attempt `json:"attempts"`
	DeadLetteredAt int64     `json:"dead_lettered_at"`
}
