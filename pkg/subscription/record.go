// Package subscription contains the core domain types for the subscription relay.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default source tags identifying the origin channel of a record.
const (
	SourceMiniApp = "pickle-miniapp"
	SourceChat    = "pickle-tg-webapp"
)

// TimestampLayout matches the millisecond ISO-8601 form the spreadsheet script expects.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrEmailRequired is returned when a record is built without an email address.
var ErrEmailRequired = errors.New("email required")

// Fields holds the raw values a record is built from.
type Fields struct {
	Email            string
	ExternalUserID   string
	ExternalUsername string
	Source           string
	SharedSecret     string // Optional, travels only in the outbound body
}

// Record is a single subscription submission. It is immutable once built.
type Record struct {
	email            string
	externalUserID   string
	externalUsername string
	source           string
	timestamp        string
	sharedSecret     string
}

// NewRecord validates and normalizes fields into a Record stamped with now.
// defaultSource is used when the submission carries no source of its own.
func NewRecord(f Fields, defaultSource string, now time.Time) (*Record, error) {
	email := strings.TrimSpace(f.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}

	source := strings.TrimSpace(f.Source)
	if source == "" {
		source = defaultSource
	}

	return &Record{
		email:            email,
		externalUserID:   strings.TrimSpace(f.ExternalUserID),
		externalUsername: strings.TrimSpace(f.ExternalUsername),
		source:           source,
		timestamp:        now.UTC().Format(TimestampLayout),
		sharedSecret:     f.SharedSecret,
	}, nil
}

func (r *Record) Email() string            { return r.email }
func (r *Record) ExternalUserID() string   { return r.externalUserID }
func (r *Record) ExternalUsername() string { return r.externalUsername }
func (r *Record) Source() string           { return r.source }
func (r *Record) Timestamp() string        { return r.timestamp }

// wirePayload is the JSON shape the spreadsheet endpoint reads.
// Optional fields are omitted rather than sent as empty strings.
type wirePayload struct {
	Email    string `json:"email"`
	UserID   string `json:"tg_user_id,omitempty"`
	Username string `json:"tg_username,omitempty"`
	Source   string `json:"source,omitempty"`
	TS       string `json:"ts"`
	Secret   string `json:"secret,omitempty"`
}

// Payload serializes the record for the spreadsheet endpoint.
func (r *Record) Payload() ([]byte, error) {
	data, err := json.Marshal(wirePayload{
		Email:    r.email,
		UserID:   r.externalUserID,
		Username: r.externalUsername,
		Source:   r.source,
		TS:       r.timestamp,
		Secret:   r.sharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// RedactedSecret replaces the shared secret wherever it shows up in upstream text.
const RedactedSecret = "[redacted]"

// Redact masks every occurrence of the shared secret in text, raw or
// JSON-escaped. Upstream error pages can echo the posted body back.
func (r *Record) Redact(text string) string {
	if r.sharedSecret == "" {
		return text
	}
	text = strings.ReplaceAll(text, r.sharedSecret, RedactedSecret)
	if quoted, err := json.Marshal(r.sharedSecret); err == nil {
		if escaped := string(quoted[1 : len(quoted)-1]); escaped != r.sharedSecret {
			text = strings.ReplaceAll(text, escaped, RedactedSecret)
		}
	}
	return text
}

// LogAttrs describes the record for logs. The shared secret is never included.
func (r *Record) LogAttrs() []any {
	return []any{
		slog.String("email", r.email),
		slog.String("tg_user_id", r.externalUserID),
		slog.String("tg_username", r.externalUsername),
		slog.String("source", r.source),
		slog.String("ts", r.timestamp),
	}
}
