// Package tiered provides a Hot/Cold tiered cache that puts a fast
// process-local cache (Hot) in front of a shared one (Cold), so replicas
// share sentiment reports without a network round trip on every read.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/theaigrid/aigrid/pkg/sentiment"
)

// ErrClosed is returned by Set after Close.
var ErrClosed = errors.New("tiered storage: closed")

const (
	defaultHotTTL         = 30 * time.Second
	defaultSyncBufferSize = 100
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (usually storage/memory)
	Hot sentiment.Cache

	// Cold is the L2 shared cache (usually storage/redis)
	Cold sentiment.Cache

	// HotTTL caps how long a value stays in Hot so replicas converge on
	// Cold. Default: 30s
	HotTTL time.Duration

	// AsyncColdWrite returns from Set once Hot is written and writes Cold
	// in the background.
	AsyncColdWrite bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 100
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Cold write fails.
	AsyncErrorHandler func(error)
}

// Storage implements sentiment.Cache over two tiers:
// - Read-Through: Get tries Hot, then Cold, and repopulates Hot
// - Write-Through: Set writes Cold, then Hot (or Hot, then Cold async)
type Storage struct {
	hot  sentiment.Cache
	cold sentiment.Cache
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup

	// mu guards closed so no job is queued once the worker drains.
	mu     sync.RWMutex
	closed bool
}

// New creates a new tiered cache.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = defaultHotTTL
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = defaultSyncBufferSize
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncColdWrite {
		s.startWorker()
	}
	return s, nil
}

// Close drains pending async writes and stops the worker. Later Set calls
// return ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.conf.AsyncColdWrite {
		close(s.shutdown)
		s.wg.Wait()
	}
	return nil
}

// startWorker applies queued Cold writes in order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// Get implements sentiment.Cache with a read-through strategy.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if value, err := s.hot.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err := s.cold.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Read-repair; Hot errors are not fatal
	if hotTTL, ok := s.repairTTL(ctx, key); ok {
		_ = s.hot.Set(ctx, key, value, hotTTL) //nolint:errcheck // cache fill
	}
	return value, nil
}

// repairTTL caps HotTTL at the time Cold has left on the entry, so Hot never
// serves a value Cold has already expired.
func (s *Storage) repairTTL(ctx context.Context, key string) (time.Duration, bool) {
	reader, ok := s.cold.(sentiment.TTLReader)
	if !ok {
		return s.conf.HotTTL, true
	}
	remaining, err := reader.TTL(ctx, key)
	if err != nil {
		return 0, false
	}
	if remaining > 0 && remaining < s.conf.HotTTL {
		return remaining, true
	}
	return s.conf.HotTTL, true
}

// Set implements sentiment.Cache with a write-through strategy.
func (s *Storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	hotTTL := s.conf.HotTTL
	if ttl > 0 && ttl < hotTTL {
		hotTTL = ttl
	}

	if s.conf.AsyncColdWrite {
		if err := s.hot.Set(ctx, key, value, hotTTL); err != nil {
			return err
		}
		buf := append([]byte(nil), value...)
		job := func() error {
			return s.cold.Set(context.Background(), key, buf, ttl)
		}
		select {
		case s.syncQueue <- job:
			return nil
		default:
			// Queue full: fall back to a synchronous write
			return job()
		}
	}

	if err := s.cold.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = s.hot.Set(ctx, key, value, hotTTL) //nolint:errcheck // best effort, Cold is the shared copy
	return nil
}

var _ sentiment.Cache = (*Storage)(nil)
