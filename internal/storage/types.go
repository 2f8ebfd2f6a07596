package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Delivery outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeDegraded = "degraded"
	OutcomeDropped  = "dropped"
)

// DeliveryRecord is one terminal delivery outcome for one channel.
type DeliveryRecord struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	BurstID   string    `json:"burst_id"`
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	Channel   string    `json:"channel"`
	Outcome   string    `json:"outcome"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// CacheRecord mirrors one resource cache entry.
type CacheRecord struct {
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"last_access"`
}

// Store is the persistence API used by the pipeline.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	PutCacheEntry(ctx context.Context, r CacheRecord) error
	DeleteCacheEntries(ctx context.Context, keys ...string) error
	ListCacheEntries(ctx context.Context) ([]CacheRecord, error)

	Close() error
}
