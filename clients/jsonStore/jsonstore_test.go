package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromoCreateAndConsume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "promo_codes.json")
	store := NewPromoStore(path)

	code, err := store.Create(ctx, "3_months")
	require.NoError(t, err)
	assert.Len(t, code, codeLength)

	plan, err := store.Consume(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "3_months", plan)

	_, err = store.Consume(ctx, code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestPromoConsumeUnknownCode(t *testing.T) {
	t.Parallel()

	store := NewPromoStore(filepath.Join(t.TempDir(), "promo_codes.json"))

	_, err := store.Consume(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = store.Consume(context.Background(), "")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestPromoLegacyUsedEntriesAreSpentAndDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "promo_codes.json")
	legacy := `{
  "OLDUSED": {"plan_key": "1_month", "used": true},
  "OLDFRESH": {"plan_key": "1_month", "used": false},
  "NEWCODE": {"plan_key": "6_months"}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	store := NewPromoStore(path)

	_, err := store.Consume(ctx, "OLDUSED")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	plan, err := store.Consume(ctx, "OLDFRESH")
	require.NoError(t, err)
	assert.Equal(t, "1_month", plan)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "used")
	assert.NotContains(t, string(data), "OLDUSED")

	var onDisk map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, map[string]map[string]any{"NEWCODE": {"plan_key": "6_months"}}, onDisk)
}

func TestPromoKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "promo_codes.json")
	seeded := `{
  "GIFT": {"plan_key": "3_months", "issued_by": "ops", "meta": {"batch": 7}},
  "SPEND": {"plan_key": "1_month", "note": "x"}
}`
	require.NoError(t, os.WriteFile(path, []byte(seeded), 0o600))

	store := NewPromoStore(path)
	plan, err := store.Consume(ctx, "SPEND")
	require.NoError(t, err)
	assert.Equal(t, "1_month", plan)
	_, err = store.Create(ctx, "6_months")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 2)
	assert.Equal(t, map[string]any{
		"plan_key":  "3_months",
		"issued_by": "ops",
		"meta":      map[string]any{"batch": float64(7)},
	}, onDisk["GIFT"])

	promos, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, promos, Promo{Code: "GIFT", PlanKey: "3_months"})
}

func TestPromoConcurrentConsumeAcrossStores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "promo_codes.json")

	code, err := NewPromoStore(path).Create(ctx, "1_month")
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		misses    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewPromoStore(path).Consume(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCodeNotFound):
				misses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, misses)
}

func TestPromoRestoreAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPromoStore(filepath.Join(t.TempDir(), "nested", "promo_codes.json"))

	code, err := store.Create(ctx, "1_month")
	require.NoError(t, err)
	_, err = store.Consume(ctx, code)
	require.NoError(t, err)

	require.NoError(t, store.Restore(ctx, code, "1_month"))

	promos, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Promo{{Code: code, PlanKey: "1_month"}}, promos)
}

func TestPromoCreateRejectsEmptyPlan(t *testing.T) {
	t.Parallel()

	_, err := NewPromoStore(filepath.Join(t.TempDir(), "p.json")).Create(context.Background(), "")
	assert.Error(t, err)
}

func TestPromoStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "promo_codes.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewPromoStore(path).Consume(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCodeNotFound)
}

func TestPromoCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPromoStore(filepath.Join(t.TempDir(), "p.json")).Create(ctx, "1_month")
	assert.ErrorIs(t, err, context.Canceled)
}

func newTestLedger(t *testing.T) *PaymentLedger {
	t.Helper()
	l := NewPaymentLedger(filepath.Join(t.TempDir(), "payments.json"))
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestLedgerReserveOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLedger(t)
	p := Payment{Label: "5_1_month_aa", TelegramID: 5, PlanKey: "1_month"}

	ok, err := l.Reserve(ctx, "op-1", p)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(ctx, "op-1", p)
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.False(t, ok)

	require.NoError(t, l.Complete(ctx, "op-1"))

	ok, err = l.Reserve(ctx, "op-1", p)
	require.NoError(t, err)
	assert.False(t, ok)

	payments, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentCompleted, payments[0].Status)
	assert.Equal(t, "op-1", payments[0].Key)
	assert.Equal(t, int64(5), payments[0].TelegramID)
}

func TestLedgerReleaseAllowsRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLedger(t)

	ok, err := l.Reserve(ctx, "op-2", Payment{TelegramID: 7, PlanKey: "3_months"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "op-2"))

	ok, err = l.Reserve(ctx, "op-2", Payment{TelegramID: 7, PlanKey: "3_months"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerReleaseKeepsCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Reserve(ctx, "op-3", Payment{TelegramID: 1, PlanKey: "1_month"})
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "op-3"))
	require.NoError(t, l.Release(ctx, "op-3"))

	ok, err := l.Reserve(ctx, "op-3", Payment{TelegramID: 1, PlanKey: "1_month"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payments.json")

	first := NewPaymentLedger(path)
	ok, err := first.Reserve(ctx, "op-4", Payment{TelegramID: 2, PlanKey: "1_month"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Complete(ctx, "op-4"))

	ok, err = NewPaymentLedger(path).Reserve(ctx, "op-4", Payment{TelegramID: 2, PlanKey: "1_month"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerStaleReservationIsTakenOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payments.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	crashed := NewPaymentLedger(path)
	crashed.now = func() time.Time { return now }
	ok, err := crashed.Reserve(ctx, "op-5", Payment{TelegramID: 3, PlanKey: "1_month"})
	require.NoError(t, err)
	require.True(t, ok)

	restarted := NewPaymentLedger(path)
	restarted.now = func() time.Time { return now.Add(time.Minute) }
	ok, err = restarted.Reserve(ctx, "op-5", Payment{TelegramID: 3, PlanKey: "1_month"})
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.False(t, ok)

	restarted.now = func() time.Time { return now.Add(StaleReservation + time.Second) }
	ok, err = restarted.Reserve(ctx, "op-5", Payment{TelegramID: 3, PlanKey: "1_month"})
	require.NoError(t, err)
	assert.True(t, ok)

	payments, err := restarted.List(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentPending, payments[0].Status)
	assert.Equal(t, now.Add(StaleReservation+time.Second), payments[0].At)
}

func TestLedgerPrunesOldCompletedEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewPaymentLedger(filepath.Join(t.TempDir(), "payments.json"))
	l.now = func() time.Time { return now }

	for _, key := range []string{"old-done", "old-pending"} {
		_, err := l.Reserve(ctx, key, Payment{TelegramID: 4, PlanKey: "1_month"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Complete(ctx, "old-done"))

	l.now = func() time.Time { return now.Add(CompletedRetention + time.Hour) }
	_, err := l.Reserve(ctx, "fresh", Payment{TelegramID: 4, PlanKey: "1_month"})
	require.NoError(t, err)

	payments, err := l.List(ctx)
	require.NoError(t, err)
	var keys []string
	for _, p := range payments {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"old-pending", "fresh"}, keys, "only completed entries age out")
}

func TestLedgerCompleteUnknownKey(t *testing.T) {
	t.Parallel()

	assert.Error(t, newTestLedger(t).Complete(context.Background(), "missing"))
}

func TestLedgerEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := newTestLedger(t).Reserve(context.Background(), "", Payment{})
	assert.Error(t, err)
}

func TestAttributionSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending_referrals.json")

	require.NoError(t, NewAttributionStore(path).Put(ctx, 555, 100))
	require.NoError(t, NewAttributionStore(path).Put(ctx, 555, 101))

	reopened := NewAttributionStore(path)
	ref, err := reopened.Get(ctx, 555)
	require.NoError(t, err)
	assert.Equal(t, int64(101), ref)

	require.NoError(t, reopened.Delete(ctx, 555))
	ref, err = NewAttributionStore(path).Get(ctx, 555)
	require.NoError(t, err)
	assert.Zero(t, ref)

	require.NoError(t, reopened.Delete(ctx, 777))
}

func TestAttributionExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pending_referrals.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewAttributionStore(path)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Put(ctx, 555, 100))

	s.now = func() time.Time { return now.Add(AttributionTTL + time.Hour) }
	ref, err := s.Get(ctx, 555)
	require.NoError(t, err)
	assert.Zero(t, ref)

	require.NoError(t, s.Put(ctx, 600, 100))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.NotContains(t, stored, "555")
	assert.Contains(t, stored, "600")
}

func TestAttributionRejectsInvalidIDs(t *testing.T) {
	t.Parallel()

	s := NewAttributionStore(filepath.Join(t.TempDir(), "pending_referrals.json"))
	assert.Error(t, s.Put(context.Background(), 0, 100))
	assert.Error(t, s.Put(context.Background(), 555, 0))
}
