package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAttemptWindow is how long a minted QR code stays payable
const DefaultAttemptWindow = 300 * time.Second

// PaymentMethod is the wallet the parent pays with
type PaymentMethod string

const (
	PaymentMethodAlipay PaymentMethod = "ALIPAY"
	PaymentMethodWeChat PaymentMethod = "WECHAT"
)

// Backend pay_way codes
const (
	payWayAlipay = "2"
	payWayWeChat = "3"
)

// ParsePaymentMethod accepts either the method name or the backend pay_way code
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(PaymentMethodAlipay), payWayAlipay:
		return PaymentMethodAlipay, true
	case string(PaymentMethodWeChat), payWayWeChat:
		return PaymentMethodWeChat, true
	default:
		return "", false
	}
}

// Valid reports whether m is one of the supported methods
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodAlipay || m == PaymentMethodWeChat
}

// PayWay returns the backend wire code for the method
func (m PaymentMethod) PayWay() string {
	switch m {
	case PaymentMethodAlipay:
		return payWayAlipay
	case PaymentMethodWeChat:
		return payWayWeChat
	default:
		return ""
	}
}

// DisplayName is the label shown next to the QR code
func (m PaymentMethod) DisplayName() string {
	switch m {
	case PaymentMethodAlipay:
		return "Alipay"
	case PaymentMethodWeChat:
		return "WeChat Pay"
	default:
		return "Unknown"
	}
}

// PrepayResult is what the backend returns when it mints a QR code
type PrepayResult struct {
	ClientTransactionID string
	TotalAmount         decimal.Decimal
	Description         string
	QRPayload           string
	QRImageURL          string
}

// PaymentAttempt is one prepay session: a single QR code and its expiry window.
// Display fields are fixed for the attempt's lifetime.
type PaymentAttempt struct {
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	ClientTransactionID string          `json:"client_transaction_id"`
	SubjectID           string          `json:"subject_id"`
	PaymentMethod       PaymentMethod   `json:"payment_method"`
	Description         string          `json:"description"`
	QRPayload           string          `json:"qr_payload"`
	QRImageURL          string          `json:"qr_image_url"`
}

// NewPaymentAttempt builds an attempt from a prepay result, starting its window at now
func NewPaymentAttempt(res *PrepayResult, subjectID string, method PaymentMethod, now time.Time, window time.Duration) *PaymentAttempt {
	if window <= 0 {
		window = DefaultAttemptWindow
	}
	return &PaymentAttempt{
		ClientTransactionID: res.ClientTransactionID,
		SubjectID:           subjectID,
		PaymentMethod:       method,
		TotalAmount:         res.TotalAmount,
		Description:         res.Description,
		QRPayload:           res.QRPayload,
		QRImageURL:          res.QRImageURL,
		CreatedAt:           now,
		ExpiresAt:           now.Add(window),
	}
}

// ExpiredAt reports whether the attempt is past its window at now
func (a *PaymentAttempt) ExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// RemainingSeconds is the whole seconds left before expiry, never negative
func (a *PaymentAttempt) RemainingSeconds(now time.Time) int {
	return RemainingSeconds(a.ExpiresAt, now)
}

// RemainingSeconds computes whole seconds from now until expiresAt, floored at zero
func RemainingSeconds(expiresAt, now time.Time) int {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}
