// Package yoomoney builds YooMoney Quickpay payment links and authenticates the
// HTTP notifications YooMoney sends back when a payment lands.
package yoomoney

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

const quickpayURL = "https://yoomoney.ru/quickpay/confirm.xml"

type Client struct {
	walletID   string
	secret     string
	payee      string
	successURL string
}

// New returns a client for walletID. secret is the notification secret from
// the wallet settings; payee is shown to the payer as the payment target.
func New(walletID, secret, payee, successURL string) *Client {
	return &Client{
		walletID:   walletID,
		secret:     secret,
		payee:      payee,
		successURL: successURL,
	}
}

// Notification is the form YooMoney posts to the notification URL.
type Notification struct {
	NotificationType string
	OperationID      string
	Amount           string
	WithdrawAmount   string
	Currency         string
	Datetime         string
	Sender           string
	Codepro          string
	Label            string
	SHA1Hash         string
	Unaccepted       string
}

func NotificationFromForm(form url.Values) Notification {
	return Notification{
		NotificationType: form.Get("notification_type"),
		OperationID:      form.Get("operation_id"),
		Amount:           form.Get("amount"),
		WithdrawAmount:   form.Get("withdraw_amount"),
		Currency:         form.Get("currency"),
		Datetime:         form.Get("datetime"),
		Sender:           form.Get("sender"),
		Codepro:          form.Get("codepro"),
		Label:            form.Get("label"),
		SHA1Hash:         form.Get("sha1_hash"),
		Unaccepted:       form.Get("unaccepted"),
	}
}

// Accepted reports whether the funds were actually credited: protected
// (codepro) and held (unaccepted) transfers are not.
func (n Notification) Accepted() bool {
	return !strings.EqualFold(n.Codepro, "true") && !strings.EqualFold(n.Unaccepted, "true")
}

// Sign returns the lower-case hex sha1 YooMoney computes for n.
func (c *Client) Sign(n Notification) string {
	parts := []string{
		n.NotificationType,
		n.OperationID,
		n.Amount,
		n.Currency,
		n.Datetime,
		n.Sender,
		n.Codepro,
		c.secret,
		n.Label,
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}

// Verify checks the notification signature in constant time.
func (c *Client) Verify(n Notification) bool {
	expected := c.Sign(n)
	received := strings.ToLower(strings.TrimSpace(n.SHA1Hash))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// PaymentURL returns the Quickpay redirect for a plan purchase together with
// the label that will come back in the notification.
func (c *Client) PaymentURL(amount float64, telegramID int64, planKey string) (string, Label) {
	label := NewLabel(telegramID, planKey)

	params := url.Values{}
	params.Set("receiver", c.walletID)
	params.Set("quickpay-form", "shop")
	params.Set("targets", c.payee)
	params.Set("paymentType", "PC")
	params.Set("sum", strconv.FormatFloat(amount, 'f', -1, 64))
	params.Set("label", label.String())
	if c.successURL != "" {
		params.Set("successURL", c.successURL)
	}

	return quickpayURL + "?" + params.Encode(), label
}
