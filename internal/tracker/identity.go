package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Storage keys used by the collector.
const (
	KeyUserID  = "userId"
	KeyHistory = "pawnutrition_metrics"
)

// Identity ties events to a session (one process lifetime) and a user
// (stable across restarts via durable storage).
type Identity struct {
	SessionID string
	UserID    string
}

// newID builds "<prefix>_<unix-ms>_<9 random chars>".
func newID(prefix string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), random)
}

// resolveIdentity generates a fresh session id and loads the user id from
// storage, creating and storing one on first use. Storage failures fall
// back to an unsaved user id.
func resolveIdentity(store Storage, now time.Time) Identity {
	id := Identity{SessionID: newID("session", now)}

	userID, ok, err := store.Get(KeyUserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read user id, generating a new one")
	}
	if ok && userID != "" {
		id.UserID = userID
		return id
	}

	id.UserID = newID("user", now)
	if err := store.Set(KeyUserID, id.UserID); err != nil {
		log.Warn().Err(err).Msg("Failed to persist user id")
	}
	return id
}
