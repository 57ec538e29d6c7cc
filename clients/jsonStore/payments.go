package jsonstore

import (
	"context"
	"errors"
	"sort"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

const (
	// StaleReservation is how long a pending entry blocks redeliveries. After
	// that its owner is presumed dead and the next delivery takes it over.
	StaleReservation = 5 * time.Minute
	// CompletedRetention bounds how long completed entries are kept; the
	// provider stops redelivering well before that.
	CompletedRetention = 90 * 24 * time.Hour
)

// ErrPaymentInProgress is returned by Reserve while another delivery of the
// same payment holds a fresh pending reservation.
var ErrPaymentInProgress = errors.New("payment ledger: payment is being processed")

// Payment is one provider notification that has been taken into processing.
type Payment struct {
	Key        string        `json:"-"`
	Label      string        `json:"label"`
	TelegramID int64         `json:"telegram_id"`
	PlanKey    string        `json:"plan_key"`
	Status     PaymentStatus `json:"status"`
	At         time.Time     `json:"at"`
}

// PaymentLedger remembers payments by provider operation id so a redelivered
// notification does not credit days twice.
type PaymentLedger struct {
	file *jsonFile
	now  func() time.Time
}

func NewPaymentLedger(path string) *PaymentLedger {
	return &PaymentLedger{file: newJSONFile(path), now: time.Now}
}

// Reserve records p as pending under key. It returns false when key is
// already completed and ErrPaymentInProgress when a fresh reservation for key
// exists. A pending entry older than StaleReservation is taken over.
// Completed entries older than CompletedRetention are pruned on the way.
func (l *PaymentLedger) Reserve(ctx context.Context, key string, p Payment) (bool, error) {
	if key == "" {
		return false, errors.New("payment ledger: empty key")
	}

	reserved := false
	err := l.file.locked(ctx, func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		now := l.now().UTC()
		if prev, seen := entries[key]; seen {
			if prev.Status == PaymentCompleted {
				return nil
			}
			if now.Sub(prev.At) < StaleReservation {
				return ErrPaymentInProgress
			}
		}
		for k, e := range entries {
			if e.Status == PaymentCompleted && now.Sub(e.At) > CompletedRetention {
				delete(entries, k)
			}
		}
		p.Status = PaymentPending
		p.At = now
		entries[key] = p
		if err := l.file.write(entries); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// Release forgets a pending reservation so the provider's retry is processed
// again. Completed entries are kept.
func (l *PaymentLedger) Release(ctx context.Context, key string) error {
	return l.file.locked(ctx, func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		p, ok := entries[key]
		if !ok || p.Status != PaymentPending {
			return nil
		}
		delete(entries, key)
		return l.file.write(entries)
	})
}

func (l *PaymentLedger) Complete(ctx context.Context, key string) error {
	return l.file.locked(ctx, func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		p, ok := entries[key]
		if !ok {
			return errors.New("payment ledger: complete unknown key " + key)
		}
		p.Status = PaymentCompleted
		p.At = l.now().UTC()
		entries[key] = p
		return l.file.write(entries)
	})
}

// List returns every entry, oldest first.
func (l *PaymentLedger) List(ctx context.Context) ([]Payment, error) {
	var payments []Payment
	err := l.file.locked(ctx, func() error {
		entries, err := l.load()
		if err != nil {
			return err
		}
		payments = make([]Payment, 0, len(entries))
		for key, p := range entries {
			p.Key = key
			payments = append(payments, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].At.Equal(payments[j].At) {
			return payments[i].Key < payments[j].Key
		}
		return payments[i].At.Before(payments[j].At)
	})
	return payments, nil
}

func (l *PaymentLedger) load() (map[string]Payment, error) {
	entries := map[string]Payment{}
	if err := l.file.read(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
