package presence

import (
	"context"
	"time"
)

// Info is what a running daemon announces about itself.
type Info struct {
	Instance  string    `json:"instance"`
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	Socket    string    `json:"socket"`
	WSAddr    string    `json:"ws_addr,omitempty"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Busy      bool      `json:"busy"`
	Tasks     int       `json:"tasks"`
}

// Store keeps announcements; the daemon writes through Announce and the
// daemons command reads with List.
type Store interface {
	Upsert(ctx context.Context, info Info, ttl time.Duration) error
	Delete(ctx context.Context, instance string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// Announce upserts snapshot() every interval until ctx is done, then removes
// the record. ttl should comfortably exceed interval.
func Announce(ctx context.Context, store Store, interval time.Duration, ttl time.Duration, snapshot func() Info, logf func(format string, args ...any)) {
	if store == nil || snapshot == nil {
		return
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl <= interval {
		ttl = 3 * interval
	}

	publish := func() string {
		info := snapshot()
		upCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.Upsert(upCtx, info, ttl); err != nil {
			logf("presence upsert failed: %v", err)
		}
		return info.Instance
	}

	instance := publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := store.Delete(delCtx, instance); err != nil {
				logf("presence delete failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			instance = publish()
		}
	}
}
