// Package journal persists relayed frames so history survives hub
// restarts and can be inspected per UID.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownDriver is returned by New for an unrecognized storage driver.
var ErrUnknownDriver = errors.New("unknown journal driver")

// Frame is one persisted relay frame. Seq increments per UID starting
// at 1.
type Frame struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	Seq       int64     `json:"seq"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal is the persistence contract. Implementations must be safe
// for concurrent use.
type Journal interface {
	// Append stores a frame and returns its per-UID sequence number.
	Append(ctx context.Context, uid string, data []byte) (int64, error)
	// List returns up to limit frames for uid with Seq > afterSeq, in
	// ascending Seq order.
	List(ctx context.Context, uid string, afterSeq int64, limit int) ([]Frame, error)
	// CountByUID returns the stored frame count per UID.
	CountByUID(ctx context.Context) (map[string]int64, error)
	// PurgeBefore deletes frames created before the cutoff and returns
	// the number removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Config selects and configures a journal backend.
type Config struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`
}

// New builds a journal for the configured driver.
func New(cfg Config) (Journal, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, ErrUnknownDriver
	}
}
