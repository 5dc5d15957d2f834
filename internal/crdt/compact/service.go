package compact

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Target is a set of documents whose tombstones can be compacted. The
// coordinator implements it.
type Target interface {
	Documents() []string
	Tombstones(ctx context.Context, docID string) (int, error)
	Compact(ctx context.Context, docID string, cutoff time.Time) (int, error)
}

// CompactionService periodically prunes expired tombstones
type CompactionService struct {
	target Target
	config *Config
	filter *Filter
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewCompactionService creates a new compaction service
func NewCompactionService(target Target, config *Config, log zerolog.Logger) (*CompactionService, error) {
	if config == nil {
		config = DefaultConfig()
	}
	filter, err := NewFilter(config.Documents)
	if err != nil {
		return nil, err
	}
	return &CompactionService{
		target: target,
		config: config,
		filter: filter,
		log:    log.With().Str("component", "compact").Logger(),
		now:    time.Now,
	}, nil
}

// Start begins the compaction service
func (s *CompactionService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	ticker := time.NewTicker(s.config.Interval)
	go func() {
		defer close(s.stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
				s.RunOnce(ctx)
				cancel()
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Stop stops the compaction service and waits for a pass in progress.
func (s *CompactionService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.done)
	<-s.stopped
}

// RunOnce compacts every selected document holding at least MinTombstones
// tombstones and returns the number of entries removed.
func (s *CompactionService) RunOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.config.TombstoneTTL)
	total := 0
	for _, docID := range s.target.Documents() {
		if ctx.Err() != nil {
			break
		}
		if !s.filter.Match(docID) {
			continue
		}
		n, err := s.target.Tombstones(ctx, docID)
		if err != nil {
			s.log.Warn().Err(err).Str("doc", docID).Msg("counting tombstones failed")
			continue
		}
		if n < s.config.MinTombstones {
			continue
		}
		removed, err := s.target.Compact(ctx, docID, cutoff)
		if err != nil {
			s.log.Warn().Err(err).Str("doc", docID).Msg("compaction failed")
			continue
		}
		if removed > 0 {
			s.log.Info().Str("doc", docID).Int("removed", removed).Msg("compacted tombstones")
		}
		total += removed
	}
	return total
}
