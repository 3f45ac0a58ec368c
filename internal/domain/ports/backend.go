package ports

import (
	"context"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

// PaymentBackend is the remote commerce backend the reconciliation engine depends on
type PaymentBackend interface {
	// Prepay mints a new QR code for every unpaid order of the subject
	Prepay(ctx context.Context, subjectID string, method domain.PaymentMethod) (*domain.PrepayResult, error)

	// QueryStatus returns the backend's authoritative status for one attempt
	QueryStatus(ctx context.Context, clientTransactionID string) (domain.OrderStatus, error)
}

// StatusBackend is the read-only slice of PaymentBackend used by polling and manual checks
type StatusBackend interface {
	QueryStatus(ctx context.Context, clientTransactionID string) (domain.OrderStatus, error)
}

// StudentDirectory resolves a national ID number to the student it belongs to
type StudentDirectory interface {
	LookupStudent(ctx context.Context, idNumber string) (*domain.Student, error)
}
