package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Batch is the wire format exchanged with a remote collector.
type Batch struct {
	Events []tracker.Event `json:"events"`
}

// HTTP posts batches to a remote collector. Any 2xx response is a
// successful delivery. Calls go through a circuit breaker; while it is
// open, Send fails immediately and the batch stays queued.
type HTTP struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTP creates an HTTP sink. maxFailures consecutive failures open the
// breaker for openTimeout.
func NewHTTP(url string, timeout time.Duration, maxFailures uint32, openTimeout time.Duration) *HTTP {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sink-http",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Sink circuit breaker state changed")
		},
	})

	return &HTTP{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Send implements tracker.Sink.
func (s *HTTP) Send(ctx context.Context, events []tracker.Event) (tracker.SendResult, error) {
	body, err := json.Marshal(Batch{Events: events})
	if err != nil {
		return tracker.SendResult{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, body)
	})
	if err != nil {
		return tracker.SendResult{}, err
	}
	return tracker.SendResult{Success: true}, nil
}

func (s *HTTP) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote collector returned %s", resp.Status)
	}
	return nil
}

// State returns the breaker state, for diagnostics.
func (s *HTTP) State() gobreaker.State {
	return s.breaker.State()
}
