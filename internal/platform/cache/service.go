package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/clinic/clinic/internal/platform/metrics"
)

// ErrClosed is returned by GetOrCompute after Close.
var ErrClosed = errors.New("cache: service closed")

// Service memoizes JSON-encodable values. Backend failures are logged and
// fall through to the producer; they never fail the caller.
type Service struct {
	backend Backend
	logger  zerolog.Logger
	group   singleflight.Group
	closed  atomic.Bool

	// genMu orders producer writes against Invalidate. gens counts the
	// invalidations of each scope prefix.
	genMu sync.RWMutex
	gens  map[string]uint64
}

func New(backend Backend, logger zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logger.With().Str("component", "cache").Logger(),
		gens:    make(map[string]uint64),
	}
}

// Key joins parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GlobalScope holds reports spanning every tenant.
const GlobalScope = "global"

// ScopePrefix is the prefix of every report cached for scope, a clinic or
// user id. Invalidating it drops all of them.
func ScopePrefix(scope string) string {
	return "report:" + scope + ":"
}

// ScopedKey builds a report key under ScopePrefix(scope).
func ScopedKey(scope string, parts ...string) string {
	return ScopePrefix(scope) + Key(parts...)
}

// scopeOf returns the ScopePrefix key lives under, or "" for keys outside
// any scope.
func scopeOf(key string) string {
	rest, ok := strings.CutPrefix(key, "report:")
	if !ok {
		return ""
	}
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return ""
	}
	return key[:len("report:")+i+1]
}

func (s *Service) generation(key string) uint64 {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.gens[scopeOf(key)]
}

// store writes raw unless the key's scope was invalidated after gen was read.
func (s *Service) store(ctx context.Context, key string, gen uint64, raw []byte, ttl time.Duration) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if s.gens[scopeOf(key)] != gen {
		s.logger.Debug().Str("key", key).Msg("dropping result computed before invalidation")
		return
	}
	if err := s.backend.Set(ctx, key, raw, ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// GetOrCompute returns the cached value for key, or runs producer, stores its
// result for ttl and returns it. Concurrent misses on one key share a single
// producer call. A nil Service always runs the producer.
func GetOrCompute[T any](ctx context.Context, s *Service, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if s == nil {
		return producer(ctx)
	}
	if s.closed.Load() {
		return zero, ErrClosed
	}

	if raw, err := s.backend.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return v, nil
		}
		s.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	} else if !errors.Is(err, ErrMiss) {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	// Callers joining a flight share the producer, so it must not die with
	// whichever caller started it. A flight started before an invalidation
	// is not joined by callers arriving after it.
	gen := s.generation(key)
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		v, err := producer(flightCtx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(v); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		} else {
			s.store(flightCtx, key, gen, raw, ttl)
		}
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate drops every entry under prefix. Results still being computed
// for a scope prefix are not cached once it has been invalidated.
func (s *Service) Invalidate(ctx context.Context, prefix string) {
	if s == nil || s.closed.Load() {
		return
	}
	s.genMu.Lock()
	s.gens[prefix]++
	s.genMu.Unlock()
	if err := s.backend.DeletePrefix(ctx, prefix); err != nil {
		s.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
	}
}

// Close releases the backend. It is safe to call more than once.
func (s *Service) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.backend.Close()
}
