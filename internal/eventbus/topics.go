package eventbus

import "time"

// Event types published by the delivery pipeline.
const (
	TypeBurstAccepted   = "pipeline.burst.accepted"
	TypeBurstStale      = "pipeline.burst.stale"
	TypeDelivered       = "delivery.sent"
	TypeRetried         = "delivery.retried"
	TypeDropped         = "delivery.dropped"
	TypeDegraded        = "delivery.degraded"
	TypeFetchFailed     = "fetch.failed"
	TypeDuplicate       = "integrity.duplicate"
	TypeAnomaly         = "integrity.anomaly"
	TypeLimiterOverflow = "ratelimit.overflow"
	TypeCacheCleared    = "cache.cleared"
)

// DeliveryEvent describes the outcome of one notification on one channel.
type DeliveryEvent struct {
	BurstID   string        `json:"burst_id"`
	RoomID    string        `json:"room_id"`
	MessageID string        `json:"message_id"`
	Channel   string        `json:"channel"`
	Attempts  int           `json:"attempts"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

// FetchEvent describes a resource fetch failure.
type FetchEvent struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// IntegrityEvent describes a duplicate or time anomaly for one room.
type IntegrityEvent struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}
