package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/config"
	"github.com/Asort97/averraBot/services/billing"
)

type stubProcessor struct {
	res  billing.Result
	err  error
	got  []yoomoney.Notification
	ctxs []context.Context
}

func (p *stubProcessor) Process(ctx context.Context, n yoomoney.Notification) (billing.Result, error) {
	p.got = append(p.got, n)
	p.ctxs = append(p.ctxs, ctx)
	return p.res, p.err
}

type stubObserver struct {
	seen []billing.Result
}

func (o *stubObserver) PaymentProcessed(_ context.Context, res billing.Result) {
	o.seen = append(o.seen, res)
}

func postNotification(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/yoomoney", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func notificationForm() url.Values {
	return url.Values{
		"notification_type": {"p2p-incoming"},
		"operation_id":      {"op-1"},
		"amount":            {"196.00"},
		"withdraw_amount":   {"200.00"},
		"currency":          {"643"},
		"label":             {"500_1_month_abcd1234"},
		"sha1_hash":         {"deadbeef"},
	}
}

func TestWebhookCreditsPayment(t *testing.T) {
	proc := &stubProcessor{res: billing.Result{TelegramID: 500, Plan: config.DefaultPlans[0], Created: true}}
	obs := &stubObserver{}
	h := newRouter(proc, obs, discardLogger())

	rec := postNotification(t, h, notificationForm())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	require.Len(t, proc.got, 1)
	assert.Equal(t, "op-1", proc.got[0].OperationID)
	assert.Equal(t, "500_1_month_abcd1234", proc.got[0].Label)
	assert.Equal(t, "200.00", proc.got[0].WithdrawAmount)
	require.Len(t, obs.seen, 1)
	assert.Equal(t, int64(500), obs.seen[0].TelegramID)
}

func TestWebhookProcessingOutlivesRequest(t *testing.T) {
	proc := &stubProcessor{}
	h := newRouter(proc, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/yoomoney", strings.NewReader(notificationForm().Encode())).WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, proc.ctxs, 1)
	assert.NoError(t, proc.ctxs[0].Err())
}

func TestWebhookDuplicateIsNotAnnounced(t *testing.T) {
	proc := &stubProcessor{res: billing.Result{TelegramID: 500, Duplicate: true}}
	obs := &stubObserver{}

	rec := postNotification(t, newRouter(proc, obs, discardLogger()), notificationForm())

	assert.Equal(t, "OK", rec.Body.String())
	assert.Empty(t, obs.seen)
}

func TestWebhookRejectionStillAnswers200(t *testing.T) {
	for _, err := range []error{billing.ErrBadSignature, billing.ErrUnknownPlan, errors.New("panel down")} {
		t.Run(err.Error(), func(t *testing.T) {
			proc := &stubProcessor{err: err}
			obs := &stubObserver{}

			rec := postNotification(t, newRouter(proc, obs, discardLogger()), notificationForm())

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ERR", rec.Body.String())
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Empty(t, obs.seen)
		})
	}
}

func TestWebhookOnlyAcceptsPost(t *testing.T) {
	proc := &stubProcessor{}
	rec := httptest.NewRecorder()
	newRouter(proc, nil, discardLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/yoomoney", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, proc.got)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubProcessor{}, nil, discardLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
