package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redinklabs/redink-core/pkg/domain"
	"github.com/redinklabs/redink-core/pkg/telemetry"
)

const (
	durableFileName   = "persistent_config.yaml"
	runtimeFileSuffix = "_providers.yaml"

	defaultLockWait = 5 * time.Second
)

// TieredStore reconciles the durable and runtime copies of provider
// documents. It is the single authority for reads and writes of those
// documents; callers that need to mutate one do so inside Update so the
// whole load-validate-write cycle runs under the per-type lock.
type TieredStore struct {
	workDir    string
	durableDir string
	lockWait   time.Duration

	locks *keyedLocks
	// durableMu serializes read-merge-write cycles on the shared durable
	// file. The per-type locks order operations on one document; this one
	// keeps saves for different config types from clobbering each other's
	// durable entries.
	durableMu sync.Mutex

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures a TieredStore.
type Option func(*TieredStore)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *TieredStore) { s.logger = logger }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *TieredStore) { s.metrics = m }
}

// WithLockWait overrides the bounded lock acquisition wait.
func WithLockWait(wait time.Duration) Option {
	return func(s *TieredStore) { s.lockWait = wait }
}

// NewTieredStore creates a store over the given working directory (runtime
// tier) and durable root.
func NewTieredStore(workDir, durableDir string, opts ...Option) *TieredStore {
	s := &TieredStore{
		workDir:    workDir,
		durableDir: durableDir,
		lockWait:   defaultLockWait,
		locks:      newKeyedLocks(),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("redink.storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuntimePath returns the runtime-tier file for a config type.
func (s *TieredStore) RuntimePath(configType string) string {
	return filepath.Join(s.workDir, configType+runtimeFileSuffix)
}

// DurablePath returns the durable-tier multi-key file.
func (s *TieredStore) DurablePath() string {
	return filepath.Join(s.durableDir, durableFileName)
}

// Save merges the document into the durable tier at key configType and
// writes it through to the runtime tier so both copies agree.
func (s *TieredStore) Save(ctx context.Context, configType string, doc *domain.ProviderDocument) error {
	ctx, span := s.tracer.Start(ctx, "storage.save",
		trace.WithAttributes(attribute.String("config_type", configType)))
	defer span.End()

	start := time.Now()
	release, err := s.locks.acquire(ctx, configType, s.lockWait)
	if err != nil {
		s.recordOp(configType, "save", "lock_timeout", start)
		return domain.NewStorageError("lock", err)
	}
	defer release()

	if err := s.saveLocked(configType, doc); err != nil {
		span.RecordError(err)
		s.recordOp(configType, "save", "error", start)
		return err
	}
	s.recordOp(configType, "save", "success", start)
	return nil
}

// Load returns the document for configType. The durable tier wins once
// populated; otherwise the runtime tier is consulted, and a runtime
// document carrying credentials is promoted into the durable tier as a
// one-time, idempotent migration. The second return value is false when
// neither tier has a document (the caller applies its own default).
func (s *TieredStore) Load(ctx context.Context, configType string) (*domain.ProviderDocument, bool, error) {
	ctx, span := s.tracer.Start(ctx, "storage.load",
		trace.WithAttributes(attribute.String("config_type", configType)))
	defer span.End()

	start := time.Now()
	release, err := s.locks.acquire(ctx, configType, s.lockWait)
	if err != nil {
		s.recordOp(configType, "load", "lock_timeout", start)
		return nil, false, domain.NewStorageError("lock", err)
	}
	defer release()

	doc, ok, err := s.loadLocked(configType, true)
	if err != nil {
		span.RecordError(err)
		s.recordOp(configType, "load", "error", start)
		return nil, false, err
	}
	s.recordOp(configType, "load", "success", start)
	return doc, ok, nil
}

// Update runs fn as a single critical section: acquire the per-type lock,
// reload the document fresh from disk (never trusting cached state), apply
// fn, and persist when fn reports a change. fn receives the stored
// document or the default one when nothing is stored yet.
//
// A change is persisted even when fn also returns an operation error: an
// expiry sweep that precedes a failed capacity check must still land on
// disk. When both the operation and the save fail, the save failure wins.
func (s *TieredStore) Update(ctx context.Context, configType string, fn func(doc *domain.ProviderDocument) (bool, error)) error {
	ctx, span := s.tracer.Start(ctx, "storage.update",
		trace.WithAttributes(attribute.String("config_type", configType)))
	defer span.End()

	start := time.Now()
	release, err := s.locks.acquire(ctx, configType, s.lockWait)
	if err != nil {
		s.recordOp(configType, "update", "lock_timeout", start)
		return domain.NewStorageError("lock", err)
	}
	defer release()

	doc, ok, err := s.loadLocked(configType, false)
	if err != nil {
		span.RecordError(err)
		s.recordOp(configType, "update", "error", start)
		return err
	}
	if !ok {
		doc = domain.DefaultDocument()
	}

	changed, opErr := fn(doc)
	if changed {
		if err := s.saveLocked(configType, doc); err != nil {
			span.RecordError(err)
			s.recordOp(configType, "update", "error", start)
			return err
		}
	}
	if opErr != nil {
		s.recordOp(configType, "update", "rejected", start)
		return opErr
	}
	if !changed {
		s.recordOp(configType, "update", "noop", start)
		return nil
	}
	s.recordOp(configType, "update", "success", start)
	return nil
}

// Snapshot returns the current document without taking the write lock and
// without triggering migration. Atomic renames on the write path guarantee
// a reader sees either the previous or the new complete document, so this
// is safe for read-only status queries that must not block behind writers.
func (s *TieredStore) Snapshot(ctx context.Context, configType string) (*domain.ProviderDocument, bool) {
	_, span := s.tracer.Start(ctx, "storage.snapshot",
		trace.WithAttributes(attribute.String("config_type", configType)))
	defer span.End()

	doc, ok, err := s.loadLocked(configType, false)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error().Err(err).Str("config_type", configType).Msg("snapshot read failed")
		}
		return nil, false
	}
	return doc, true
}

// loadLocked implements the tier precedence. Corrupt files are logged and
// treated as absent so the service stays available with "nothing bound
// yet" semantics instead of crashing on bad data.
func (s *TieredStore) loadLocked(configType string, migrate bool) (*domain.ProviderDocument, bool, error) {
	durable := map[string]*domain.ProviderDocument{}
	if ok, err := readYAMLFile(s.DurablePath(), &durable); err != nil {
		s.logger.Error().Err(err).Str("path", s.DurablePath()).Msg("durable config unreadable, treating as empty")
	} else if ok {
		if doc, present := durable[configType]; present && doc != nil {
			s.logger.Debug().Str("config_type", configType).Msg("loaded config from durable tier")
			return doc, true, nil
		}
	}

	doc := &domain.ProviderDocument{}
	ok, err := readYAMLFile(s.RuntimePath(configType), doc)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.RuntimePath(configType)).Msg("runtime config unreadable, treating as empty")
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if doc.Providers == nil {
		doc.Providers = map[string]*domain.ProviderEntry{}
	}

	if migrate && doc.HasSecret() {
		// Self-heal the durable tier from whatever the runtime tier
		// already has. Subsequent loads hit the durable entry directly.
		s.logger.Info().Str("config_type", configType).Msg("runtime config carries credentials, promoting to durable tier")
		if err := s.saveLocked(configType, doc); err != nil {
			return nil, false, err
		}
		if s.metrics != nil {
			s.metrics.RecordSecretMigration(configType)
		}
	}

	s.logger.Debug().Str("config_type", configType).Msg("loaded config from runtime tier")
	return doc, true, nil
}

// saveLocked writes both tiers. Callers hold the per-type lock. A failed
// write propagates: silently swallowing it would desynchronize the
// in-memory and on-disk views.
func (s *TieredStore) saveLocked(configType string, doc *domain.ProviderDocument) error {
	s.durableMu.Lock()
	defer s.durableMu.Unlock()

	durable := map[string]*domain.ProviderDocument{}
	if _, err := readYAMLFile(s.DurablePath(), &durable); err != nil {
		s.logger.Error().Err(err).Str("path", s.DurablePath()).Msg("durable config unreadable, rebuilding")
		durable = map[string]*domain.ProviderDocument{}
	}
	durable[configType] = doc

	if err := writeYAMLFileAtomic(s.DurablePath(), durable); err != nil {
		return domain.NewStorageError("write durable tier", err)
	}
	if err := writeYAMLFileAtomic(s.RuntimePath(configType), doc); err != nil {
		return domain.NewStorageError("write runtime tier", err)
	}

	s.logger.Info().Str("config_type", configType).Str("path", s.RuntimePath(configType)).Msg("provider config saved")
	return nil
}

func (s *TieredStore) recordOp(configType, op, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStorageOp(configType, op, status, time.Since(start))
	}
}
