package app

import (
	"context"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/config"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// CollectorService runs the periodic flush and the final flush on shutdown.
type CollectorService struct {
	cfg       *config.Config
	collector *tracker.Collector
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCollectorService creates a new CollectorService.
func NewCollectorService(cfg *config.Config, collector *tracker.Collector) *CollectorService {
	return &CollectorService{
		cfg:       cfg,
		collector: collector,
	}
}

// Start records the page_load event for this session and begins periodic
// flushing. Flushing outlives ctx and ends only with Stop, so shutdown
// hooks can still record events before the final flush.
func (s *CollectorService) Start(ctx context.Context) {
	s.collector.Record(tracker.EventPageLoad, pagePath(s.cfg.Collector.URL), nil)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.collector.Run(runCtx, s.cfg.Collector.FlushInterval.Duration(), s.cfg.GetShutdownTimeout())
	}()

	log.Info().
		Dur("interval", s.cfg.Collector.FlushInterval.Duration()).
		Msg("Collector flushing started")
}

// Stop triggers the final flush and waits for it to finish.
func (s *CollectorService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// pagePath returns the path of rawURL, "/" when it has none.
func pagePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
