// Package tracker buffers recorded events in memory, keeps a capped local
// history in durable storage and periodically flushes batches to a sink.
package tracker

import (
	"encoding/json"
	"fmt"
)

// TimestampFormat is the ISO-8601 layout used for Event.Timestamp
// (millisecond precision, always UTC).
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Well-known event types recorded by trackerd itself or by typical callers.
const (
	EventPageLoad         = "page_load"
	EventVisibilityChange = "visibility_change"
	EventScrollDepth      = "scroll_depth"
	EventProductHover     = "product_hover"
	EventProductView      = "product_view"
	EventProductClick     = "product_click"
	EventBlogClick        = "blog_click"
	EventInfluencerFollow = "influencer_follow"
)

// reservedFields are the JSON keys owned by Event itself. Extra properties
// using one of these names are dropped so they can't shadow core fields.
var reservedFields = map[string]bool{
	"sessionId": true,
	"userId":    true,
	"timestamp": true,
	"eventType": true,
	"eventData": true,
	"url":       true,
	"userAgent": true,
	"referrer":  true,
}

// PageContext is the contextual information captured when an event is created.
type PageContext struct {
	URL       string `json:"url"`
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referrer"`
}

// Event is one recorded occurrence. Events are not modified after creation.
type Event struct {
	SessionID  string
	UserID     string
	Timestamp  string
	EventType  string
	EventData  any // nil, string or number
	URL        string
	UserAgent  string
	Referrer   string
	Properties map[string]any
}

// MarshalJSON encodes the event as a flat object: extra properties sit next
// to the core fields.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Properties)+8)
	for k, v := range e.Properties {
		if !reservedFields[k] {
			obj[k] = v
		}
	}
	obj["sessionId"] = e.SessionID
	obj["userId"] = e.UserID
	obj["timestamp"] = e.Timestamp
	obj["eventType"] = e.EventType
	obj["eventData"] = e.EventData
	obj["url"] = e.URL
	obj["userAgent"] = e.UserAgent
	obj["referrer"] = e.Referrer
	return json.Marshal(obj)
}

// UnmarshalJSON decodes a flat event object, collecting unknown keys into Properties.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Event
	strField := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		return nil
	}

	for key, dst := range map[string]*string{
		"sessionId": &out.SessionID,
		"userId":    &out.UserID,
		"timestamp": &out.Timestamp,
		"eventType": &out.EventType,
		"url":       &out.URL,
		"userAgent": &out.UserAgent,
		"referrer":  &out.Referrer,
	} {
		if err := strField(key, dst); err != nil {
			return err
		}
	}

	if v, ok := raw["eventData"]; ok {
		if err := json.Unmarshal(v, &out.EventData); err != nil {
			return fmt.Errorf("field eventData: %w", err)
		}
	}

	for key, v := range raw {
		if reservedFields[key] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
		if out.Properties == nil {
			out.Properties = make(map[string]any)
		}
		out.Properties[key] = val
	}

	*e = out
	return nil
}

// copyProperties returns a shallow copy of props without reserved keys.
func copyProperties(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if !reservedFields[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalize makes e JSON-encodable the way a browser's JSON.stringify
// would: event data that can't be encoded (NaN, ±Inf, channels) becomes
// null and such properties are dropped. It reports whether e now encodes.
func normalize(e *Event) bool {
	if _, err := json.Marshal(e); err == nil {
		return true
	}
	if _, err := json.Marshal(e.EventData); err != nil {
		e.EventData = nil
	}
	for k, v := range e.Properties {
		if _, err := json.Marshal(v); err != nil {
			delete(e.Properties, k)
		}
	}
	_, err := json.Marshal(e)
	return err == nil
}
