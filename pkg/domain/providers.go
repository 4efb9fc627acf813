package domain

import (
	"time"
)

// Binding policy constants. A provider's API key may be used by at most
// MaxDevicesPerKey devices at a time, and each binding is valid for
// BindingDuration from the moment it was (re)established.
const (
	MaxDevicesPerKey = 5
	BindingDuration  = 24 * time.Hour
)

// bindingTimeLayouts lists accepted on-disk timestamp formats. Legacy
// records were written without a zone offset and are read as local time.
var bindingTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// BindingTime is a timestamp stored inside a device binding record. It
// marshals as RFC 3339 and tolerates legacy zoneless values on read; an
// unparseable value decodes to the zero time instead of failing the whole
// document, so a single corrupt record degrades to MalformedRecord rather
// than wiping the provider file.
type BindingTime time.Time

// Time returns the underlying time value.
func (t BindingTime) Time() time.Time { return time.Time(t) }

// IsZero reports whether the timestamp is unset.
func (t BindingTime) IsZero() bool { return time.Time(t).IsZero() }

// MarshalYAML renders the timestamp as an RFC 3339 string.
func (t BindingTime) MarshalYAML() (interface{}, error) {
	if t.IsZero() {
		return "", nil
	}
	return time.Time(t).Format(time.RFC3339Nano), nil
}

// MarshalJSON renders the timestamp as an RFC 3339 string.
func (t BindingTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + time.Time(t).Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON accepts the same layouts as the YAML form.
func (t *BindingTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*t = BindingTime{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*t = ParseBindingTime(s)
	return nil
}

// UnmarshalYAML accepts RFC 3339 timestamps plus the zoneless layouts the
// legacy backend wrote.
func (t *BindingTime) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw time.Time
	if err := unmarshal(&raw); err == nil {
		*t = BindingTime(raw)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		*t = BindingTime{}
		return nil
	}
	*t = ParseBindingTime(s)
	return nil
}

// ParseBindingTime parses a stored timestamp string, returning the zero
// time when the value is empty or unrecognizable.
func ParseBindingTime(s string) BindingTime {
	if s == "" {
		return BindingTime{}
	}
	for _, layout := range bindingTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return BindingTime(ts)
		}
	}
	return BindingTime{}
}

// DeviceBinding associates one device identifier with permission to use a
// provider's API key for a bounded time. DeviceID is the lookup key and is
// unique within one provider's list.
type DeviceBinding struct {
	DeviceID   string      `yaml:"device_id" json:"device_id"`
	DeviceName string      `yaml:"device_name,omitempty" json:"device_name,omitempty"`
	BoundAt    BindingTime `yaml:"bound_at,omitempty" json:"bound_at,omitempty"`
	LastUsed   BindingTime `yaml:"last_used,omitempty" json:"last_used,omitempty"`
}

// ExpiresAt returns the instant the binding stops being valid.
func (b *DeviceBinding) ExpiresAt() time.Time {
	return b.BoundAt.Time().Add(BindingDuration)
}

// Live reports whether the binding is valid at the given instant.
// A record with no bind time is never live.
func (b *DeviceBinding) Live(now time.Time) bool {
	if b.BoundAt.IsZero() {
		return false
	}
	return !now.After(b.ExpiresAt())
}

// ProviderEntry is one named backend credential entry. Fields other than
// the API key and the device list (model names, endpoints, ...) are opaque
// to this core and round-trip unchanged through Extra.
type ProviderEntry struct {
	APIKey            string           `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	AuthorizedDevices []*DeviceBinding `yaml:"authorized_devices,omitempty" json:"authorized_devices,omitempty"`

	Extra map[string]interface{} `yaml:",inline" json:"extra,omitempty"`
}

// BindingEnforced reports whether device binding is enabled for this
// provider. An absent or empty device list means the provider is open to
// any device (backward-compatible state, not an error).
func (e *ProviderEntry) BindingEnforced() bool {
	return len(e.AuthorizedDevices) > 0
}

// FindDevice returns the binding record for the given device id, or nil.
func (e *ProviderEntry) FindDevice(deviceID string) *DeviceBinding {
	for _, d := range e.AuthorizedDevices {
		if d.DeviceID == deviceID {
			return d
		}
	}
	return nil
}

// ProviderDocument is one provider configuration document: the set of
// configured providers for a service class plus the name of the one that
// is currently live.
type ProviderDocument struct {
	ActiveProvider string                    `yaml:"active_provider" json:"active_provider"`
	Providers      map[string]*ProviderEntry `yaml:"providers" json:"providers"`
}

// DefaultDocument is the document assumed when no stored copy can be read:
// no providers configured, nothing bound yet.
func DefaultDocument() *ProviderDocument {
	return &ProviderDocument{
		ActiveProvider: "default",
		Providers:      map[string]*ProviderEntry{},
	}
}

// Provider looks up a provider entry by name.
func (d *ProviderDocument) Provider(name string) (*ProviderEntry, bool) {
	e, ok := d.Providers[name]
	return e, ok
}

// HasSecret reports whether any provider carries a non-empty API key.
// Used as the signal that a runtime-tier file holds credentials worth
// promoting into durable storage.
func (d *ProviderDocument) HasSecret() bool {
	for _, e := range d.Providers {
		if e != nil && e.APIKey != "" {
			return true
		}
	}
	return false
}
