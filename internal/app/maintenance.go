package app

import (
	"context"
	"encoding/json"
	"io"

	"github.com/dokzlo13/trackerd/internal/analytics"
	"github.com/dokzlo13/trackerd/internal/config"
	"github.com/dokzlo13/trackerd/internal/db"
	"github.com/dokzlo13/trackerd/internal/kv"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Maintenance is the storage-only view used by the one-shot commands.
// It runs no script and builds no collector, so it never records events
// or creates a user id.
type Maintenance struct {
	cfg   *config.Config
	DB    *db.DB
	KV    *kv.Manager
	Store *sink.Store
}

// OpenMaintenance opens the database and the sink store.
func OpenMaintenance(cfg *config.Config) (*Maintenance, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		cfg:   cfg,
		DB:    database,
		KV:    kv.NewManager(database.DB),
		Store: sink.NewStore(database.DB),
	}, nil
}

// Analytics summarizes everything delivered to the sink store.
func (m *Maintenance) Analytics(ctx context.Context) (analytics.Summary, error) {
	return summarize(ctx, m.Store)
}

// WriteAnalytics writes the analytics summary to w as indented JSON.
func (m *Maintenance) WriteAnalytics(ctx context.Context, w io.Writer) error {
	summary, err := m.Analytics(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// ClearAllData erases the local history, the stored user id and delivered events.
func (m *Maintenance) ClearAllData(ctx context.Context) error {
	bucket := m.KV.Bucket(m.cfg.Collector.Bucket, m.cfg.Collector.IsPersistent())
	if err := tracker.ClearStorage(bucket); err != nil {
		return err
	}
	return m.Store.Clear(ctx)
}

// Close closes the database.
func (m *Maintenance) Close() error {
	return m.DB.Close()
}

func summarize(ctx context.Context, store *sink.Store) (analytics.Summary, error) {
	events, err := store.All(ctx)
	if err != nil {
		return analytics.Summary{}, err
	}
	return analytics.Summarize(events), nil
}
