package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	yoomoney "github.com/Asort97/averraBot/clients/yooMoney"
	"github.com/Asort97/averraBot/services/billing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type paymentProcessor interface {
	Process(ctx context.Context, n yoomoney.Notification) (billing.Result, error)
}

type paymentObserver interface {
	PaymentProcessed(ctx context.Context, res billing.Result)
}

// newRouter serves the YooMoney HTTP notification endpoint and a health probe.
// observer may be nil.
func newRouter(payments paymentProcessor, observer paymentObserver, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "webhook")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/yoomoney", yoomoneyHandler(payments, observer, logger))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// yoomoneyHandler always answers 200; the body says OK or ERR.
func yoomoneyHandler(payments paymentProcessor, observer paymentObserver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := r.ParseForm(); err != nil {
			logger.WarnContext(ctx, "bad notification form", "error", err)
			writeText(w, "ERR")
			return
		}
		n := yoomoney.NotificationFromForm(r.PostForm)

		// crediting outlives the provider's connection
		ctx = context.WithoutCancel(ctx)
		res, err := payments.Process(ctx, n)
		switch {
		case err == nil && res.Duplicate:
			logger.InfoContext(ctx, "duplicate notification", "operation_id", n.OperationID, "label", n.Label)
		case err == nil:
			logger.InfoContext(ctx, "payment credited",
				"operation_id", n.OperationID, "telegram_id", res.TelegramID, "plan", res.Plan.Key, "created", res.Created)
			if observer != nil {
				observer.PaymentProcessed(ctx, res)
			}
		case errors.Is(err, billing.ErrBadSignature):
			logger.WarnContext(ctx, "notification signature mismatch", "operation_id", n.OperationID)
		default:
			logger.ErrorContext(ctx, "notification rejected", "operation_id", n.OperationID, "label", n.Label, "error", err)
		}

		if err != nil {
			writeText(w, "ERR")
			return
		}
		writeText(w, "OK")
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
