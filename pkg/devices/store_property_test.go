package devices

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/redinklabs/redink-core/pkg/domain"
	"github.com/redinklabs/redink-core/pkg/storage"
)

func TestConcurrentBindRespectsCapacity(t *testing.T) {
	store, _, _ := newTestStore(t)
	seedProvider(t, store.tiered, "openai")
	ctx := context.Background()

	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Bind(ctx, "openai", fmt.Sprintf("fp-%02d", i), "")
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.KindOf(err) == domain.KindCapacityExceeded:
			rejected++
		default:
			t.Fatalf("unexpected bind error: %v", err)
		}
	}
	assert.Equal(t, domain.MaxDevicesPerKey, succeeded)
	assert.Equal(t, n-domain.MaxDevicesPerKey, rejected)

	bindings, err := store.List(ctx, "openai")
	require.NoError(t, err)
	assert.Len(t, bindings, domain.MaxDevicesPerKey)
}

// TestLedgerInvariants drives a random sequence of operations against a
// single provider and checks the properties that must hold regardless of
// order: the stored list never exceeds the cap, never holds duplicates,
// and never holds a record the model considers expired after a sweep.
func TestLedgerInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		work := t.TempDir()
		clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
		tiered := storage.NewTieredStore(work, filepath.Join(work, "history"))
		store := NewStore("text", tiered, WithClock(clock.Now))
		ctx := context.Background()

		seed := &domain.ProviderDocument{
			ActiveProvider: "openai",
			Providers: map[string]*domain.ProviderEntry{
				"openai": {APIKey: "sk-test"},
			},
		}
		if err := tiered.Save(ctx, "text", seed); err != nil {
			rt.Fatalf("seed: %v", err)
		}

		deviceID := rapid.SampledFrom([]string{"fp-a", "fp-b", "fp-c", "fp-d", "fp-e", "fp-f", "fp-g"})

		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, err := store.Bind(ctx, "openai", deviceID.Draw(rt, "bind_id"), "")
				if err != nil && domain.KindOf(err) != domain.KindCapacityExceeded {
					rt.Fatalf("bind: %v", err)
				}
			case 1:
				err := store.Remove(ctx, "openai", deviceID.Draw(rt, "remove_id"))
				if err != nil && domain.KindOf(err) != domain.KindNotFound {
					rt.Fatalf("remove: %v", err)
				}
			case 2:
				if _, err := store.CleanupExpired(ctx, "openai"); err != nil {
					rt.Fatalf("cleanup: %v", err)
				}
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(1, 30).Draw(rt, "hours")) * time.Hour)
			}
		}

		bindings, err := store.List(ctx, "openai")
		if err != nil {
			rt.Fatalf("list: %v", err)
		}

		if len(bindings) > domain.MaxDevicesPerKey {
			rt.Fatalf("ledger holds %d records, cap is %d", len(bindings), domain.MaxDevicesPerKey)
		}
		seen := map[string]bool{}
		for _, b := range bindings {
			if seen[b.DeviceID] {
				rt.Fatalf("duplicate record for %s", b.DeviceID)
			}
			seen[b.DeviceID] = true
			if !b.Live(clock.Now()) {
				rt.Fatalf("expired record for %s survived the list sweep", b.DeviceID)
			}
		}
	})
}
