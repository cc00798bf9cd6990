package domain

import (
	"encoding/json"
	"net"
	"strings"
	"time"
)

// Tenant is a customer site with its own configuration. The cache holds
// read-only copies; the tenant store owns the record.
type Tenant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Hostnames []string        `json:"hostnames"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Setting decodes a top-level settings key into dst. It reports false when
// the key is absent or cannot be decoded.
func (t *Tenant) Setting(key string, dst any) bool {
	if len(t.Settings) == 0 {
		return false
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(t.Settings, &all); err != nil {
		return false
	}
	raw, ok := all[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// NormalizeHostname lower-cases host and strips any port and trailing dot so
// "A.Example:443." and "a.example" resolve to the same tenant.
func NormalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// EventKind says what happened to a tenant record.
type EventKind string

const (
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	return k == EventUpdated || k == EventDeleted
}

// InvalidationEvent tells every process that a tenant changed in the store.
// Version is optional; when set it is the store version after the write.
type InvalidationEvent struct {
	TenantID string    `json:"tenant_id"`
	Kind     EventKind `json:"kind"`
	Version  int64     `json:"version,omitempty"`
}
