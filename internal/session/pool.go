package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/gateway"
)

const keyPrefix = "sessions/"

// SessionUnavailableError reports that no usable session could be obtained
// from a backend host. It is fatal to the operation that needed the session;
// the pool never retries internally.
type SessionUnavailableError struct {
	Host string
	Err  error
}

func (e *SessionUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no session available for host %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("no session available for host %s", e.Host)
}

func (e *SessionUnavailableError) Unwrap() error { return e.Err }

type record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"creation_time"`
}

// Pool caches one authentication session per backend host. Acquisition is
// lock-free: two workers racing on an expired session may both refresh it;
// the losing session is stopped twice, which the gateway tolerates.
type Pool struct {
	rdb    *redis.Client
	gw     gateway.Gateway
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewPool(rdb *redis.Client, gw gateway.Gateway, ttl time.Duration, logger zerolog.Logger) *Pool {
	return &Pool{rdb: rdb, gw: gw, ttl: ttl, logger: logger, now: time.Now}
}

func (p *Pool) cached(ctx context.Context, host string) (*record, error) {
	raw, err := p.rdb.Get(ctx, keyPrefix+host).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session for %s: %w", host, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode session for %s: %w", host, err)
	}
	return &rec, nil
}

// Acquire returns a live session id for the host, reusing the cached session
// while it is younger than the TTL and starting a fresh one otherwise.
func (p *Pool) Acquire(ctx context.Context, host string) (string, error) {
	rec, err := p.cached(ctx, host)
	if err != nil {
		return "", err
	}
	if rec != nil {
		if p.now().Sub(rec.CreatedAt) < p.ttl {
			return rec.ID, nil
		}
		if _, err := p.Release(ctx, host, rec.ID); err != nil {
			p.logger.Warn().Err(err).Str("host", host).Msg("failed to release expired session")
		}
	}

	id, err := p.gw.StartSession(ctx, host)
	if err != nil || id == "" {
		return "", &SessionUnavailableError{Host: host, Err: err}
	}

	raw, err := json.Marshal(record{ID: id, CreatedAt: p.now()})
	if err != nil {
		return "", fmt.Errorf("encode session for %s: %w", host, err)
	}
	// Keep the key around past the TTL so Release can see the stale record;
	// expiry here is a safety net, not the freshness check.
	if err := p.rdb.Set(ctx, keyPrefix+host, raw, 2*p.ttl).Err(); err != nil {
		return "", fmt.Errorf("cache session for %s: %w", host, err)
	}
	return id, nil
}

// Release stops the session unless it is still within its TTL, in which case
// it is a no-op returning false: a valid session must not be stopped out from
// under other callers.
func (p *Pool) Release(ctx context.Context, host, sessionID string) (bool, error) {
	rec, err := p.cached(ctx, host)
	if err != nil {
		return false, err
	}
	if rec != nil && p.now().Sub(rec.CreatedAt) < p.ttl {
		return false, nil
	}

	if err := p.rdb.Del(ctx, keyPrefix+host).Err(); err != nil {
		return false, fmt.Errorf("delete session for %s: %w", host, err)
	}
	if err := p.gw.StopSession(ctx, host, sessionID); err != nil {
		// Double-stop is a gateway no-op; a failed stop leaves at worst an
		// orphan session that the backend expires on its own.
		p.logger.Warn().Err(err).Str("host", host).Msg("failed to stop remote session")
	}
	return true, nil
}
