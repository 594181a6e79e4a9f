package capability

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/provider"
)

const (
	// DefaultTTL is how long a verdict is served from cache.
	DefaultTTL = 30 * time.Second

	defaultCacheSize = 256
)

// Service caches capability verdicts per context so callers can gate actions
// without probing the share every time.
type Service struct {
	lister    provider.RemoteLister
	interp    Interpreter
	ttl       time.Duration
	clock     clockwork.Clock
	log       logrus.FieldLogger
	cacheSize int

	// mu guards cache for both the freshness check and the write after a
	// probe. It is never held while probing.
	mu    sync.Mutex
	cache *simplelru.LRU[string, Snapshot]
}

// Option configures a Service.
type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func WithInterpreter(in Interpreter) Option {
	return func(s *Service) { s.interp = in }
}

// WithCacheSize bounds how many contexts are remembered.
func WithCacheSize(n int) Option {
	return func(s *Service) { s.cacheSize = n }
}

// NewService creates a Service probing through lister. When lister can name
// its endpoints, the interpreter uses that in its messages.
func NewService(lister provider.RemoteLister, opts ...Option) *Service {
	s := &Service{
		lister:    lister,
		ttl:       DefaultTTL,
		clock:     clockwork.NewRealClock(),
		log:       logrus.StandardLogger(),
		cacheSize: defaultCacheSize,
	}
	if h, ok := lister.(provider.EndpointHoster); ok {
		s.interp.EndpointHost = h.EndpointHost
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := simplelru.NewLRU[string, Snapshot](max(s.cacheSize, 1), nil)
	if err != nil {
		// Only reachable with a non-positive size, which max rules out.
		panic(err)
	}
	s.cache = cache
	return s
}

// Evaluate returns the cached verdict for c when it is younger than the TTL,
// and probes otherwise. Invalid contexts are answered without probing or
// caching.
func (s *Service) Evaluate(ctx context.Context, c Context) Snapshot {
	if !c.Valid() {
		return s.interp.Interpret(nil, c, s.clock.Now())
	}

	s.mu.Lock()
	snap, ok := s.cache.Get(c.key())
	fresh := ok && s.clock.Since(snap.EvaluatedAt) < s.ttl
	s.mu.Unlock()
	if fresh {
		return snap
	}
	return s.Refresh(ctx, c)
}

// Refresh probes c with one directory listing, caches the verdict and
// returns it. Remote faults are folded into the verdict, never returned.
func (s *Service) Refresh(ctx context.Context, c Context) Snapshot {
	if !c.Valid() {
		return s.interp.Interpret(nil, c, s.clock.Now())
	}

	var snap Snapshot
	_, err := s.lister.ListDirectoryPage(ctx, c.RemotePath(), "", 1)
	if err != nil {
		snap = s.interp.Interpret(err, c, s.clock.Now())
		s.log.WithError(err).WithFields(logrus.Fields{
			"account": c.Account,
			"share":   c.Share,
			"path":    c.Path,
			"state":   snap.State,
		}).Info("Remote capability probe failed")
	} else {
		snap = accessible(c, s.clock.Now())
	}

	s.mu.Lock()
	s.cache.Add(c.key(), snap)
	s.mu.Unlock()
	return snap
}

// GetLastKnown returns the cached verdict for c, however old, without
// probing.
func (s *Service) GetLastKnown(c Context) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Peek(c.key())
}
