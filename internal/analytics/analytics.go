// Package analytics aggregates delivered events into a dashboard summary.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/dokzlo13/trackerd/internal/tracker"
)

// TopEventsLimit is the number of entries in Summary.TopEvents.
const TopEventsLimit = 10

// Summary is the aggregate view over every delivered event.
type Summary struct {
	TotalEvents      int                      `json:"totalEvents"`
	UniqueUsers      int                      `json:"uniqueUsers"`
	UniqueSessions   int                      `json:"uniqueSessions"`
	TopEvents        []EventCount             `json:"topEvents"`
	UserJourney      map[string][]JourneyStep `json:"userJourney"`
	ConversionFunnel Funnel                   `json:"conversionFunnel"`
}

// EventCount is the frequency of one (eventType, eventData) pair.
// Event is rendered as "eventType:eventData".
type EventCount struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

// JourneyStep is one entry of a session's timeline.
type JourneyStep struct {
	EventType string `json:"eventType"`
	EventData any    `json:"eventData"`
	Timestamp string `json:"timestamp"`
}

// Funnel holds conversion counts. PageLoad counts every page load; the
// other buckets count at most one event per session.
type Funnel struct {
	PageLoad         int `json:"pageLoad"`
	ProductView      int `json:"productView"`
	ProductClick     int `json:"productClick"`
	BlogEngagement   int `json:"blogEngagement"`
	SocialEngagement int `json:"socialEngagement"`
}

// funnelStage maps a per-session funnel event type to its bucket.
// ProductView has no source event and always reports 0.
var funnelStage = map[string]func(*Funnel) *int{
	tracker.EventProductClick:     func(f *Funnel) *int { return &f.ProductClick },
	tracker.EventBlogClick:        func(f *Funnel) *int { return &f.BlogEngagement },
	tracker.EventInfluencerFollow: func(f *Funnel) *int { return &f.SocialEngagement },
}

// Summarize computes a Summary. It doesn't modify events.
func Summarize(events []tracker.Event) Summary {
	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for _, e := range events {
		users[e.UserID] = struct{}{}
		sessions[e.SessionID] = struct{}{}
	}

	return Summary{
		TotalEvents:      len(events),
		UniqueUsers:      len(users),
		UniqueSessions:   len(sessions),
		TopEvents:        TopEvents(events, TopEventsLimit),
		UserJourney:      Journeys(events),
		ConversionFunnel: ConversionFunnel(events),
	}
}

// EventKey renders the (eventType, eventData) pair. Missing data renders as "null".
func EventKey(e tracker.Event) string {
	if e.EventData == nil {
		return e.EventType + ":null"
	}
	return e.EventType + ":" + formatData(e.EventData)
}

// formatData renders event data the way a browser stringifies it: whole
// numbers without an exponent below 1e21.
func formatData(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case float64:
		if math.Abs(d) < 1e21 {
			return strconv.FormatFloat(d, 'f', -1, 64)
		}
		return strconv.FormatFloat(d, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// TopEvents returns the limit most frequent pairs, most frequent first.
// Ties keep the order in which pairs were first seen.
func TopEvents(events []tracker.Event, limit int) []EventCount {
	counts := make(map[string]int)
	var order []string
	for _, e := range events {
		key := EventKey(e)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	top := make([]EventCount, 0, len(order))
	for _, key := range order {
		top = append(top, EventCount{Event: key, Count: counts[key]})
	}
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Count > top[j].Count
	})

	if len(top) > limit {
		top = top[:limit]
	}
	return top
}

// Journeys groups events by session, keeping their stored order.
func Journeys(events []tracker.Event) map[string][]JourneyStep {
	journeys := make(map[string][]JourneyStep)
	for _, e := range events {
		journeys[e.SessionID] = append(journeys[e.SessionID], JourneyStep{
			EventType: e.EventType,
			EventData: e.EventData,
			Timestamp: e.Timestamp,
		})
	}
	return journeys
}

// ConversionFunnel counts funnel events.
func ConversionFunnel(events []tracker.Event) Funnel {
	var funnel Funnel
	seen := make(map[string]map[string]bool) // event type -> session ids

	for _, e := range events {
		if e.EventType == tracker.EventPageLoad {
			funnel.PageLoad++
			continue
		}

		bucket, ok := funnelStage[e.EventType]
		if !ok {
			continue
		}
		if seen[e.EventType] == nil {
			seen[e.EventType] = make(map[string]bool)
		}
		if seen[e.EventType][e.SessionID] {
			continue
		}
		seen[e.EventType][e.SessionID] = true
		*bucket(&funnel)++
	}

	return funnel
}
