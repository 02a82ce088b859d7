package sink

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Simulated stands in for a remote analytics store: it waits a random
// latency, succeeds with a configured probability and, on success, appends
// the batch to a local Store.
type Simulated struct {
	store       *Store
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulated creates a simulated sink backed by store.
func NewSimulated(store *Store, successRate float64, minLatency, maxLatency time.Duration) *Simulated {
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &Simulated{
		store:       store,
		successRate: successRate,
		minLatency:  minLatency,
		maxLatency:  maxLatency,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source. Used by tests for determinism.
func (s *Simulated) WithRand(r *rand.Rand) *Simulated {
	s.mu.Lock()
	s.rand = r
	s.mu.Unlock()
	return s
}

func (s *Simulated) roll() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rand.Int63n(int64(span)))
	}
	return latency, s.rand.Float64() < s.successRate
}

// Send implements tracker.Sink.
func (s *Simulated) Send(ctx context.Context, events []tracker.Event) (tracker.SendResult, error) {
	latency, success := s.roll()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tracker.SendResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	if !success {
		log.Debug().Int("events", len(events)).Msg("Simulated sink rejected batch")
		return tracker.SendResult{Success: false}, nil
	}

	if err := s.store.Append(ctx, events); err != nil {
		return tracker.SendResult{}, err
	}
	return tracker.SendResult{Success: true}, nil
}

// Clear implements tracker.Clearer.
func (s *Simulated) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}
