package client

// Message is a message as journaled by the hub. Timestamps are UTC
// milliseconds.
type Message struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Payload       []byte            `json:"payload"`
	ContentType   string            `json:"content_type,omitempty"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts"`
	CreatedAt     int64             `json:"created_at"`
	Status        string            `json:"status"`
	NotBefore     int64             `json:"not_before,omitempty"`
	History       []Attempt         `json:"history,omitempty"`
}

// Attempt is one delivery attempt.
type Attempt struct {
	Number     int    `json:"number"`
	InstanceID string `json:"instance_id,omitempty"`
	StartedAt  int64  `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
}

// MessageStatus is a message with the event that produced it.
type MessageStatus struct {
	Message   Message `json:"message"`
	LastEvent string  `json:"last_event"`
	Seq       uint64  `json:"seq"`
}

// Record is one event-log entry. Snapshot is the JSON of the entity at the
// time of the event.
type Record struct {
	Seq       uint64 `json:"seq"`
	Partition string `json:"partition"`
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Snapshot  []byte `json:"snapshot,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventPage is one page of Events. Next continues a single-partition read.
type EventPage struct {
	Events []Record `json:"events"`
	Next   uint64   `json:"next,omitempty"`
}

// DeadLetter is a parked message.
type DeadLetter struct {
	MessageID      string    `json:"message_id"`
	Message        Message   `json:"message"`
	LastError      string    `json:"last_error"`
	FailureKind    string    `json:"failure_kind"`
	Attempts       []Attempt `json:"attempts"`
	DeadLetteredAt int64     `json:"dead_lettered_at"`
}

// Instance is a registered consumer.
type Instance struct {
	ID            string   `json:"instance_id"`
	Address       string   `json:"address"`
	Topics        []string `json:"topics"`
	Weight        int      `json:"weight"`
	Health        string   `json:"health"`
	LastHeartbeat int64    `json:"last_heartbeat"`
	RegisteredAt  int64    `json:"registered_at"`
	Secret        string   `json:"secret,omitempty"`
	Outstanding   int      `json:"outstanding"`
}

// CompactResult reports a compaction pass.
type CompactResult struct {
	Partitions int `json:"partitions"`
	Removed    int `json:"removed"`
	Kept       int `json:"kept"`
	Archived   int `json:"archived"`
}

// Health is the hub's component summary.
type Health struct {
	Status string `json:"status"`
	Store  struct {
		OK               bool   `json:"ok"`
		Error            string `json:"error,omitempty"`
		Records          int    `json:"records"`
		Bytes            int64  `json:"bytes"`
		Partitions       int    `json:"partitions"`
		FailedPartitions int    `json:"failed_partitions"`
	} `json:"store"`
	Queue struct {
		Depths      []int          `json:"depths"`
		Partitions  map[string]int `json:"partitions,omitempty"`
		Pending     int            `json:"pending"`
		InFlight    int            `json:"in_flight"`
		Scheduled   int            `json:"scheduled"`
		NextRetryAt int64          `json:"next_retry_at,omitempty"`
	} `json:"queue"`
	Instances   map[string]int `json:"instances"`
	Breakers    map[string]int `json:"breakers"`
	DeadLetters int            `json:"dead_letters"`
}
