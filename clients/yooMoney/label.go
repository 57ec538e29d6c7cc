package yoomoney

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Label routes a payment back to its buyer: <telegram id>_<plan key>_<payment id>.
// Plan keys may contain underscores themselves.
type Label struct {
	TelegramID int64
	PlanKey    string
	PaymentID  string
}

func (l Label) String() string {
	return strconv.FormatInt(l.TelegramID, 10) + "_" + l.PlanKey + "_" + l.PaymentID
}

// NewLabel generates a label with a fresh 8-character payment id.
func NewLabel(telegramID int64, planKey string) Label {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Label{TelegramID: telegramID, PlanKey: planKey, PaymentID: id[:8]}
}

// ParseLabel splits on the first underscore for the account and the last one
// for the payment id. Anything malformed is reported as not ok.
func ParseLabel(label string) (Label, bool) {
	first := strings.Index(label, "_")
	last := strings.LastIndex(label, "_")
	if first <= 0 || last <= first || last == len(label)-1 {
		return Label{}, false
	}

	account, plan, payment := label[:first], label[first+1:last], label[last+1:]
	if plan == "" {
		return Label{}, false
	}
	for _, r := range account {
		if r < '0' || r > '9' {
			return Label{}, false
		}
	}
	id, err := strconv.ParseInt(account, 10, 64)
	if err != nil || id <= 0 {
		return Label{}, false
	}

	return Label{TelegramID: id, PlanKey: plan, PaymentID: payment}, true
}
