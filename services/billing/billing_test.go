package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonstore "github.com/Asort97/averraBot/clients/jsonStore"
	"github.com/Asort97/averraBot/clients/marzban"
	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/referral"
)

const secret = "notification-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type panelStub struct {
	mu        sync.Mutex
	users     map[int64]*marzban.User
	getErr    error
	createErr error
	extendErr map[int64]error
	creates   int
	extends   map[int64]int
}

func newPanelStub() *panelStub {
	return &panelStub{
		users:     map[int64]*marzban.User{},
		extendErr: map[int64]error{},
		extends:   map[int64]int{},
	}
}

func (s *panelStub) GetUser(_ context.Context, id int64) (*marzban.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	u, ok := s.users[id]
	if !ok {
		return nil, marzban.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *panelStub) CreateUser(_ context.Context, id int64, days int, text string) (*marzban.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.creates++
	u := &marzban.User{
		TelegramID: id,
		Username:   marzban.Username(id),
		Status:     marzban.StatusActive,
		Expire:     testNow.Add(time.Duration(days) * 24 * time.Hour),
		Note:       text,
	}
	s.users[id] = u
	cp := *u
	return &cp, nil
}

func (s *panelStub) ExtendDays(_ context.Context, id int64, days int) (*marzban.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.extendErr[id]; err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, marzban.ErrUserNotFound
	}
	s.extends[id] += days
	base := testNow
	if u.Expire.After(base) {
		base = u.Expire
	}
	u.Expire = base.Add(time.Duration(days) * 24 * time.Hour)
	u.Status = marzban.StatusActive
	cp := *u
	return &cp, nil
}

func (s *panelStub) ListReferrals(context.Context, int64) ([]marzban.User, error) { return nil, nil }
func (s *panelStub) SetNote(context.Context, int64, string) bool                { return true }

type notifierStub struct {
	mu       sync.Mutex
	credited []int64
	bonuses  []referral.Bonus
	fail     bool
}

func (n *notifierStub) PaymentCredited(_ context.Context, id int64, _ config.Plan, _ *marzban.User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("bot blocked")
	}
	n.credited = append(n.credited, id)
	return nil
}

func (n *notifierStub) ReferralBonus(_ context.Context, b referral.Bonus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bonuses = append(n.bonuses, b)
	return nil
}

type handlesStub map[int64]string

func (h handlesStub) Handle(_ context.Context, id int64) string { return h[id] }

type fixture struct {
	proc     *Processor
	panel    *panelStub
	notifier *notifierStub
	pending  *referral.Pending
	promos   *jsonstore.PromoStore
	ledger   *jsonstore.PaymentLedger
	ledgerAt string
	client   *yoomoney.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		panel:    newPanelStub(),
		notifier: &notifierStub{},
		pending:  referral.NewPending(jsonstore.NewAttributionStore(filepath.Join(dir, "pending.json")), logger),
		promos:   jsonstore.NewPromoStore(filepath.Join(dir, "promo.json")),
		ledger:   jsonstore.NewPaymentLedger(filepath.Join(dir, "payments.json")),
		ledgerAt: filepath.Join(dir, "payments.json"),
		client:   yoomoney.New("4100", secret, "Averra VPN", ""),
	}
	f.proc = New(Deps{
		Accounts:  f.panel,
		Verifier:  f.client,
		Ledger:    f.ledger,
		Referrals: referral.NewLedger(f.panel, logger),
		Pending:   f.pending,
		Promos:    f.promos,
		Notifier:  f.notifier,
		Handles:   handlesStub{555: "payer"},
		Plans:     config.DefaultPlans,
		Logger:    logger,
	})
	return f
}

func (f *fixture) notification(operationID, label string) yoomoney.Notification {
	n := yoomoney.Notification{
		NotificationType: "p2p-incoming",
		OperationID:      operationID,
		Amount:           "500.00",
		Currency:         "643",
		Datetime:         "2026-03-01T12:00:00Z",
		Codepro:          "false",
		Label:            label,
	}
	n.SHA1Hash = f.client.Sign(n)
	return n
}

func TestProcessCreatesNewAccountWithReferrer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pending.Set(context.Background(), 555, 100)

	res, err := f.proc.Process(context.Background(), f.notification("op-1", "555_3_months_abcd1234"))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(555), res.TelegramID)
	assert.Equal(t, "3_months", res.Plan.Key)
	assert.Equal(t, "ref:100\nusername:@payer", f.panel.users[555].Note)
	assert.Zero(t, f.pending.Get(context.Background(), 555), "attribution is written once and forgotten")
	assert.Equal(t, []int64{555}, f.notifier.credited)

	// The referrer has no account, so the bonus fails and is only logged.
	assert.Nil(t, res.Bonus)
}

func TestProcessExtendsAndCreditsReferrer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.panel.users[100] = &marzban.User{TelegramID: 100, Status: marzban.StatusActive, Expire: testNow.Add(48 * time.Hour)}
	f.panel.users[555] = &marzban.User{TelegramID: 555, Status: marzban.StatusActive, Expire: testNow.Add(10 * 24 * time.Hour), Note: "ref:100"}

	res, err := f.proc.Process(context.Background(), f.notification("op-2", "555_3_months_abcd1234"))
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, testNow.Add(100*24*time.Hour), res.User.Expire)
	require.NotNil(t, res.Bonus)
	assert.Equal(t, int64(100), res.Bonus.ReferrerID)
	assert.Equal(t, 27, res.Bonus.Days)
	assert.Equal(t, 27, f.panel.extends[100])
	require.Len(t, f.notifier.bonuses, 1)
}

func TestProcessDuplicateIsAcknowledgedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	n := f.notification("op-3", "555_1_month_abcd1234")

	_, err := f.proc.Process(context.Background(), n)
	require.NoError(t, err)

	res, err := f.proc.Process(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.Equal(t, 1, f.panel.creates)
	assert.Zero(t, f.panel.extends[555])
	assert.Equal(t, testNow.Add(30*24*time.Hour), f.panel.users[555].Expire)
}

func TestProcessDuplicateWithoutOperationIDFallsBackToLabel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	n := f.notification("", "555_1_month_abcd1234")

	_, err := f.proc.Process(context.Background(), n)
	require.NoError(t, err)
	res, err := f.proc.Process(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestProcessRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	forged := f.notification("op-4", "555_1_month_abcd1234")
	forged.Amount = "5000.00"
	_, err := f.proc.Process(ctx, forged)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = f.proc.Process(ctx, f.notification("op-5", "garbage"))
	assert.ErrorIs(t, err, ErrBadLabel)

	_, err = f.proc.Process(ctx, f.notification("op-6", "555_lifetime_abcd1234"))
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = f.proc.Process(ctx, f.notification("op-11", "555_6_months_abcd1234"))
	assert.ErrorIs(t, err, ErrUnderpaid)

	held := f.notification("op-7", "555_1_month_abcd1234")
	held.Codepro = "true"
	held.SHA1Hash = f.client.Sign(held)
	_, err = f.proc.Process(ctx, held)
	assert.ErrorIs(t, err, ErrNotAccepted)

	unaccepted := f.notification("op-8", "555_1_month_abcd1234")
	unaccepted.Unaccepted = "true"
	_, err = f.proc.Process(ctx, unaccepted)
	assert.ErrorIs(t, err, ErrNotAccepted)

	assert.Zero(t, f.panel.creates)
	payments, err := f.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestProcessReleasesReservationOnPanelFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.panel.getErr = errors.New("panel unreachable")
	n := f.notification("op-9", "555_1_month_abcd1234")

	_, err := f.proc.Process(context.Background(), n)
	require.Error(t, err)
	assert.NotErrorIs(t, err, marzban.ErrUserNotFound)

	f.panel.mu.Lock()
	f.panel.getErr = nil
	f.panel.mu.Unlock()

	res, err := f.proc.Process(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "provider retry must be credited")
	assert.True(t, res.Created)
}

func TestProcessRetriesWhilePaymentInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.ledger.Reserve(ctx, "op-12", jsonstore.Payment{TelegramID: 555, PlanKey: "3_months"})
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.proc.Process(ctx, f.notification("op-12", "555_3_months_abcd1234"))
	assert.ErrorIs(t, err, jsonstore.ErrPaymentInProgress)
	assert.False(t, res.Duplicate, "an unfinished payment is never acknowledged")
	assert.Zero(t, f.panel.creates)
}

func TestProcessTakesOverStaleReservation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	// left behind by a process that died between reserving and crediting
	stale := `{"op-13": {"label": "555_3_months_abcd1234", "telegram_id": 555, "plan_key": "3_months",
		"status": "pending", "at": "2026-01-01T00:00:00Z"}}`
	require.NoError(t, os.WriteFile(f.ledgerAt, []byte(stale), 0o600))

	res, err := f.proc.Process(ctx, f.notification("op-13", "555_3_months_abcd1234"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Created)
	assert.Equal(t, 1, f.panel.creates)

	payments, err := f.ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, jsonstore.PaymentCompleted, payments[0].Status)
}

func TestProcessSucceedsWhenNotificationFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.fail = true

	res, err := f.proc.Process(context.Background(), f.notification("op-10", "555_1_month_abcd1234"))
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestRedeemPromo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	code, err := f.promos.Create(ctx, "1_month")
	require.NoError(t, err)

	plan, u, err := f.proc.RedeemPromo(ctx, 777, code)
	require.NoError(t, err)
	assert.Equal(t, "1_month", plan.Key)
	assert.Equal(t, testNow.Add(30*24*time.Hour), u.Expire)

	_, _, err = f.proc.RedeemPromo(ctx, 777, code)
	assert.ErrorIs(t, err, jsonstore.ErrCodeNotFound)
}

func TestRedeemPromoRestoresCodeOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.panel.createErr = errors.New("panel 500")

	code, err := f.promos.Create(ctx, "6_months")
	require.NoError(t, err)

	_, _, err = f.proc.RedeemPromo(ctx, 777, code)
	require.Error(t, err)

	promos, err := f.promos.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []jsonstore.Promo{{Code: code, PlanKey: "6_months"}}, promos)
}
