package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redinklabs/redink-core/pkg/domain"
	"github.com/redinklabs/redink-core/pkg/storage"
	"github.com/redinklabs/redink-core/pkg/telemetry"
)

// BindOutcome distinguishes a fresh binding from a renewal of an existing
// one.
type BindOutcome string

const (
	// BindingCreated means a new record was appended.
	BindingCreated BindOutcome = "created"
	// BindingRenewed means an existing record had its window reset.
	BindingRenewed BindOutcome = "renewed"
)

// Store is the device-authorization ledger for one config type.
type Store struct {
	configType string
	tiered     *storage.TieredStore

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source. Tests use this to step across the
// binding TTL without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a device ledger over the given config type, reading and
// writing its document exclusively through the tiered store.
func NewStore(configType string, tiered *storage.TieredStore, opts ...Option) *Store {
	s := &Store{
		configType: configType,
		tiered:     tiered,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("redink.devices"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConfigType returns the service class this store is scoped to.
func (s *Store) ConfigType() string { return s.configType }

// Bind associates a device with the provider's API key, or renews an
// existing association. Renewal deliberately skips the capacity check: a
// provider already at its cap can keep its existing devices alive while
// genuinely new devices stay blocked.
func (s *Store) Bind(ctx context.Context, provider, deviceID, deviceName string) (BindOutcome, error) {
	ctx, span := s.startSpan(ctx, "devices.bind", provider)
	defer span.End()

	var outcome BindOutcome
	err := s.tiered.Update(ctx, s.configType, func(doc *domain.ProviderDocument) (bool, error) {
		entry, ok := doc.Provider(provider)
		if !ok {
			return false, domain.NewProviderNotFound(provider)
		}

		now := s.now()

		if d := entry.FindDevice(deviceID); d != nil {
			d.BoundAt = domain.BindingTime(now)
			d.LastUsed = domain.BindingTime(now)
			if deviceName != "" {
				d.DeviceName = deviceName
			}
			outcome = BindingRenewed
			s.logger.Info().
				Str("config_type", s.configType).
				Str("provider", provider).
				Str("device", domain.TruncateDeviceID(deviceID)).
				Str("name", d.DeviceName).
				Msg("device binding renewed")
			return true, nil
		}

		// New device: sweep expired records first so stale bindings do
		// not consume capacity, then enforce the cap.
		swept := s.sweep(entry, provider, now)
		if len(entry.AuthorizedDevices) >= domain.MaxDevicesPerKey {
			return swept > 0, domain.NewCapacityExceeded(domain.MaxDevicesPerKey)
		}

		name := deviceName
		if name == "" {
			name = fmt.Sprintf("Device %d", len(entry.AuthorizedDevices)+1)
		}
		entry.AuthorizedDevices = append(entry.AuthorizedDevices, &domain.DeviceBinding{
			DeviceID:   deviceID,
			DeviceName: name,
			BoundAt:    domain.BindingTime(now),
			LastUsed:   domain.BindingTime(now),
		})
		outcome = BindingCreated
		s.logger.Info().
			Str("config_type", s.configType).
			Str("provider", provider).
			Str("device", domain.TruncateDeviceID(deviceID)).
			Str("name", name).
			Msg("device bound")
		return true, nil
	})
	if err != nil {
		s.recordBinding("bind", string(domain.KindOf(err)))
		span.RecordError(err)
		return "", err
	}
	s.recordBinding("bind", string(outcome))
	return outcome, nil
}

// Validate checks that the device may use the provider and refreshes its
// last_used timestamp. A provider with no device list configured passes
// unconditionally: that is the backward-compatible open state, not an
// error.
func (s *Store) Validate(ctx context.Context, provider, deviceID string) error {
	ctx, span := s.startSpan(ctx, "devices.validate", provider)
	defer span.End()

	err := s.tiered.Update(ctx, s.configType, func(doc *domain.ProviderDocument) (bool, error) {
		entry, ok := doc.Provider(provider)
		if !ok {
			return false, domain.NewProviderNotFound(provider)
		}

		if !entry.BindingEnforced() {
			s.logger.Warn().
				Str("config_type", s.configType).
				Str("provider", provider).
				Msg("device binding not enforced for provider")
			return false, nil
		}

		d := entry.FindDevice(deviceID)
		if d == nil {
			s.logger.Warn().
				Str("config_type", s.configType).
				Str("provider", provider).
				Str("device", domain.TruncateDeviceID(deviceID)).
				Msg("unauthorized device")
			return false, domain.NewUnauthorized()
		}

		if d.BoundAt.IsZero() {
			s.logger.Warn().
				Str("config_type", s.configType).
				Str("device", domain.TruncateDeviceID(deviceID)).
				Msg("device record missing bind time")
			return false, domain.NewMalformedRecord(deviceID)
		}

		now := s.now()
		if now.After(d.ExpiresAt()) {
			s.logger.Warn().
				Str("config_type", s.configType).
				Str("device", domain.TruncateDeviceID(deviceID)).
				Time("bound_at", d.BoundAt.Time()).
				Msg("device binding expired")
			return false, domain.NewExpired(d.BoundAt.Time(), domain.BindingDuration)
		}

		d.LastUsed = domain.BindingTime(now)
		return true, nil
	})
	if err != nil {
		s.recordValidation(string(domain.KindOf(err)))
		span.RecordError(err)
		return err
	}
	s.recordValidation("ok")
	return nil
}

// CheckValid applies the same liveness logic as Validate but never mutates
// last_used and never persists, so status polling does not perturb
// bindings. Repeated calls are idempotent on stored state.
func (s *Store) CheckValid(ctx context.Context, provider, deviceID string) bool {
	ctx, span := s.startSpan(ctx, "devices.check_valid", provider)
	defer span.End()

	doc, ok := s.tiered.Snapshot(ctx, s.configType)
	if !ok {
		return false
	}

	entry, ok := doc.Provider(provider)
	if !ok {
		return false
	}
	if !entry.BindingEnforced() {
		return true
	}

	d := entry.FindDevice(deviceID)
	if d == nil || d.BoundAt.IsZero() {
		return false
	}
	return d.Live(s.now())
}

// Remove deletes the device's binding. The document is persisted only on
// success: removing an unknown device leaves it untouched.
func (s *Store) Remove(ctx context.Context, provider, deviceID string) error {
	ctx, span := s.startSpan(ctx, "devices.remove", provider)
	defer span.End()

	err := s.tiered.Update(ctx, s.configType, func(doc *domain.ProviderDocument) (bool, error) {
		entry, ok := doc.Provider(provider)
		if !ok {
			return false, domain.NewProviderNotFound(provider)
		}

		kept := entry.AuthorizedDevices[:0]
		for _, d := range entry.AuthorizedDevices {
			if d.DeviceID != deviceID {
				kept = append(kept, d)
			}
		}
		if len(kept) == len(entry.AuthorizedDevices) {
			return false, domain.NewDeviceNotFound(deviceID)
		}
		entry.AuthorizedDevices = kept

		s.logger.Info().
			Str("config_type", s.configType).
			Str("provider", provider).
			Str("device", domain.TruncateDeviceID(deviceID)).
			Msg("device removed")
		return true, nil
	})
	if err != nil {
		s.recordBinding("remove", string(domain.KindOf(err)))
		span.RecordError(err)
		return err
	}
	s.recordBinding("remove", "success")
	return nil
}

// List returns the provider's current bindings, sweeping expired records
// first. An unknown provider yields an empty list.
func (s *Store) List(ctx context.Context, provider string) ([]domain.DeviceBinding, error) {
	ctx, span := s.startSpan(ctx, "devices.list", provider)
	defer span.End()

	var out []domain.DeviceBinding
	err := s.tiered.Update(ctx, s.configType, func(doc *domain.ProviderDocument) (bool, error) {
		entry, ok := doc.Provider(provider)
		if !ok {
			return false, nil
		}

		swept := s.sweep(entry, provider, s.now())

		out = make([]domain.DeviceBinding, 0, len(entry.AuthorizedDevices))
		for _, d := range entry.AuthorizedDevices {
			out = append(out, *d)
		}
		if s.metrics != nil {
			s.metrics.SetDevicesLive(s.configType, provider, len(entry.AuthorizedDevices))
		}
		return swept > 0, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// CleanupExpired drops every non-live record for the provider, persisting
// only when something was dropped. Running it twice in a row is a no-op
// the second time.
func (s *Store) CleanupExpired(ctx context.Context, provider string) (int, error) {
	ctx, span := s.startSpan(ctx, "devices.cleanup_expired", provider)
	defer span.End()

	var removed int
	err := s.tiered.Update(ctx, s.configType, func(doc *domain.ProviderDocument) (bool, error) {
		entry, ok := doc.Provider(provider)
		if !ok {
			return false, nil
		}
		removed = s.sweep(entry, provider, s.now())
		return removed > 0, nil
	})
	if err != nil {
		s.recordBinding("cleanup", string(domain.KindOf(err)))
		span.RecordError(err)
		return 0, err
	}
	s.recordBinding("cleanup", "success")
	return removed, nil
}

// sweep partitions the provider's records into live and expired, keeping
// the live ones in place. Each dropped record is logged for audit.
func (s *Store) sweep(entry *domain.ProviderEntry, provider string, now time.Time) int {
	if len(entry.AuthorizedDevices) == 0 {
		return 0
	}

	kept := entry.AuthorizedDevices[:0]
	dropped := 0
	for _, d := range entry.AuthorizedDevices {
		if d.Live(now) {
			kept = append(kept, d)
			continue
		}
		dropped++
		s.logger.Info().
			Str("config_type", s.configType).
			Str("provider", provider).
			Str("device", domain.TruncateDeviceID(d.DeviceID)).
			Str("name", d.DeviceName).
			Msg("expired device binding removed")
	}
	entry.AuthorizedDevices = kept

	if dropped > 0 {
		s.logger.Info().
			Str("config_type", s.configType).
			Str("provider", provider).
			Int("removed", dropped).
			Msg("expired device sweep complete")
		if s.metrics != nil {
			s.metrics.RecordExpiredSwept(s.configType, dropped)
		}
	}
	return dropped
}

func (s *Store) startSpan(ctx context.Context, name, provider string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("config_type", s.configType),
		attribute.String("provider", provider),
	))
}

func (s *Store) recordBinding(op, status string) {
	if s.metrics != nil {
		s.metrics.RecordBindingOp(s.configType, op, status)
	}
}

func (s *Store) recordValidation(result string) {
	if s.metrics != nil {
		s.metrics.RecordValidation(s.configType, result)
	}
}
