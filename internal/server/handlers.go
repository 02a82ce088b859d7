package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/analytics"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// recordRequest is the body of POST /v1/events.
type recordRequest struct {
	EventType  string         `json:"eventType"`
	EventData  any            `json:"eventData"`
	Properties map[string]any `json:"properties"`
	URL        string         `json:"url"`
	UserAgent  string         `json:"userAgent"`
	Referrer   string         `json:"referrer"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Count(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "eventType is required")
		return
	}

	pc := tracker.PageContext{
		URL:       req.URL,
		UserAgent: req.UserAgent,
		Referrer:  req.Referrer,
	}
	if pc.UserAgent == "" {
		pc.UserAgent = r.UserAgent()
	}
	if pc.Referrer == "" {
		pc.Referrer = r.Referer()
	}

	event := s.collector.RecordWithContext(pc, req.EventType, req.EventData, req.Properties)
	writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	outcome := s.collector.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.collector.Pending()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.collector.History()
	if history == nil {
		history = []tracker.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": history})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.All(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load sink events")
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, analytics.Summarize(events))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.collector.ClearAllData(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to clear data")
		writeError(w, http.StatusInternalServerError, "failed to clear data")
		return
	}
	// Ingested batches live in the store even when the collector's sink is remote
	if err := s.store.Clear(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to clear sink store")
		writeError(w, http.StatusInternalServerError, "failed to clear data")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSinkIngest lets another trackerd use this one as its remote sink.
func (s *Server) handleSinkIngest(w http.ResponseWriter, r *http.Request) {
	var batch sink.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON format")
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.store.Append(r.Context(), batch.Events); err != nil {
		log.Error().Err(err).Msg("Failed to store ingested events")
		writeError(w, http.StatusInternalServerError, "failed to store events")
		return
	}

	log.Debug().Int("events", len(batch.Events)).Msg("Ingested sink batch")
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes every recorded event to the client until it disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Stream upgrade failed")
		return
	}

	log.Debug().Str("remote", r.RemoteAddr).Msg("Stream client connected")
	c := s.opts.Stream.AddClient(conn)

	go func() {
		defer func() {
			s.opts.Stream.RemoveClient(c)
			log.Debug().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")
		}()
		// Clients never send; reading detects the close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
