package domain

import (
	"strings"
	"time"
)

// OrderStatus is the backend's view of a payment
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// ParseOrderStatus normalizes a backend status string. Unknown values are not accepted.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "SUCCESS", "PAY_SUCCESS":
		return OrderStatusPaid, true
	case "CANCELED", "CANCELLED", "PAY_CANCELED":
		return OrderStatusCanceled, true
	case "PENDING", "CREATED", "IN_PROG":
		return OrderStatusPending, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further status change can follow
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCanceled
}

// EventSource identifies which channel produced a StatusEvent
type EventSource string

const (
	SourceRealtime EventSource = "realtime"
	SourcePolling  EventSource = "polling"
	SourceManual   EventSource = "manual"
)

// StatusEvent is a normalized payment status notification from any channel
type StatusEvent struct {
	ReceivedAt          time.Time   `json:"received_at"`
	ClientTransactionID string      `json:"client_transaction_id"`
	OrderStatus         OrderStatus `json:"order_status"`
	Source              EventSource `json:"source"`
}

// ReconciliationStatus is the controller's state for the current attempt
type ReconciliationStatus string

const (
	StatusInitializing    ReconciliationStatus = "INITIALIZING"
	StatusAwaitingPayment ReconciliationStatus = "AWAITING_PAYMENT"
	StatusPaid            ReconciliationStatus = "PAID"
	StatusCanceled        ReconciliationStatus = "CANCELED"
	StatusExpired         ReconciliationStatus = "EXPIRED"
	StatusError           ReconciliationStatus = "ERROR"
)

// IsTerminal reports whether the status is absorbing for its attempt
func (s ReconciliationStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusCanceled
}

// IsSettled reports whether the attempt is finished one way or another
func (s ReconciliationStatus) IsSettled() bool {
	return s.IsTerminal() || s == StatusExpired || s == StatusError
}

// ChannelMode names the transport currently delivering status
type ChannelMode string

const (
	ChannelRealtime ChannelMode = "REALTIME"
	ChannelPolling  ChannelMode = "POLLING"
	ChannelNone     ChannelMode = "NONE"
)

// ConnectionStatus is the realtime connection health
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// Indicator is the short text shown under the QR code
func (s ConnectionStatus) Indicator() string {
	switch s {
	case ConnectionConnected:
		return "live"
	case ConnectionConnecting:
		return "connecting..."
	default:
		return "disconnected"
	}
}

// ReconciliationState is an immutable snapshot of the controller, handed to observers
type ReconciliationState struct {
	Err              error
	Attempt          *PaymentAttempt
	Status           ReconciliationStatus
	ChannelMode      ChannelMode
	Connection       ConnectionStatus
	SubjectID        string
	RemainingSeconds int
	Resumed          bool
	Degraded         bool
}

// ClientTransactionID returns the active attempt's id, or "" when there is none
func (s ReconciliationState) ClientTransactionID() string {
	if s.Attempt == nil {
		return ""
	}
	return s.Attempt.ClientTransactionID
}

// Outcome is published once when an attempt reaches a terminal status
type Outcome struct {
	SettledAt           time.Time            `json:"settled_at"`
	ClientTransactionID string               `json:"client_transaction_id"`
	SubjectID           string               `json:"subject_id"`
	PaymentMethod       PaymentMethod        `json:"payment_method"`
	TotalAmount         string               `json:"total_amount"`
	Status              ReconciliationStatus `json:"status"`
	Source              EventSource          `json:"source"`
}

// Student is the subject looked up by national ID number
type Student struct {
	Name       string `json:"name"`
	IDNumber   string `json:"id_card"`
	SchoolName string `json:"school_name"`
	ClassName  string `json:"class_name"`
	Gender     string `json:"gender"`
}
