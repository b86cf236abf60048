// Package audit implements the optional exit audit trail described in
// SPEC_FULL.md §11.4: a side observability sink, not part of the wire
// protocol or any invariant. Grounded on the teacher's redis/client.go
// connection-wrapper pattern.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	auditListKey = "procsupervisor:audit"
	auditListCap = 1000
)

// Record is one audited exit event.
type Record struct {
	Tag        uint32    `json:"tag"`
	PID        int       `json:"pid"`
	Argv0      string    `json:"argv0"`
	WaitStatus int       `json:"wait_status"`
	At         time.Time `json:"at"`
}

// Sink accepts exit records for audit logging. A nil *Sink (or one built
// with NewNoop) silently drops everything — the audit trail is purely
// supplemental and never gates protocol behavior.
type Sink struct {
	log    *zap.Logger
	client *redis.Client
}

// NewNoop returns a Sink that discards every record; used when
// PROCSUPERVISOR_REDIS_ADDR is unset (SPEC_FULL.md §10.2).
func NewNoop() *Sink { return &Sink{} }

// New connects to addr and returns a Sink backed by it.
func New(log *zap.Logger, addr string) *Sink {
	log = log.Named("audit")
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("audit sink: redis unreachable at startup, will keep retrying lazily", zap.Error(err))
	} else {
		log.Info("audit sink connected", zap.String("addr", addr))
	}

	return &Sink{log: log, client: client}
}

// Record pushes rec onto the audit list, trimming it to auditListCap.
// Failures are logged, never propagated — the audit trail must never
// affect supervisor behavior.
func (s *Sink) Record(ctx context.Context, rec Record) {
	if s == nil || s.client == nil {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("marshal audit record failed", zap.Error(err))
		return
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, auditListKey, payload)
	pipe.LTrim(ctx, auditListKey, 0, auditListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("audit record push failed", zap.Error(err))
	}
}

// Close releases the underlying Redis connection, if any.
func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
