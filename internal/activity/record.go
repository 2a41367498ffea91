// Package activity merges the paginated activity history of an organization with live events from
// its realtime room into one deduplicated, newest-first feed.
package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an activity record.
type Kind string

const (
	KindWarn     Kind = "WARN"
	KindAlert    Kind = "ALERT"
	KindNotify   Kind = "NOTIFY"
	KindAnnounce Kind = "ANNOUNCE"
	KindShow     Kind = "SHOW"
)

// Kinds lists the known kinds in display order.
var Kinds = []Kind{KindNotify, KindAnnounce, KindWarn, KindAlert, KindShow}

// ParseKind normalizes a user supplied kind. The empty string means "all kinds".
func ParseKind(value string) (Kind, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return "", nil
	}
	for _, k := range Kinds {
		if string(k) == value {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown activity kind %q", value)
}

// Actor is the user who caused an activity.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
}

// Record is one activity. ID is the dedup key across fetched and pushed copies.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	SubjectType string    `json:"objectType,omitempty"`
	SubjectID   string    `json:"objectId,omitempty"`
	Metadata    Metadata  `json:"meta"`
	CreatedAt   time.Time `json:"createdAt"`
	Actor       Actor     `json:"actor"`
}

// Query selects one page of history.
type Query struct {
	OrganizationID string
	RoomKey        string
	Page           int
	Limit          int
	Kind           Kind
}

// MetaEntry is one metadata pair. Value holds the raw JSON.
type MetaEntry struct {
	Key   string
	Value json.RawMessage
}

// Metadata is an ordered key/value list that keeps the key order of its JSON object.
type Metadata []MetaEntry

// Get returns the raw value for key.
func (m Metadata) Get(key string) (json.RawMessage, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// String returns the value for key as text: strings unquoted, anything else as raw JSON.
func (m Metadata) String(key string) string {
	raw, ok := m.Get(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// MarshalJSON writes the entries as a JSON object in order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(e.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(e.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping key order. null leaves m empty.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata: expected object")
	}
	out := Metadata{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata: expected key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		out = append(out, MetaEntry{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
