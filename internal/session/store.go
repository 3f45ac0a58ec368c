package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/internal/domain/ports"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

const (
	// SlotKey is the single slot holding the in-flight attempt
	SlotKey = "paymentOrder"

	paidKeyPrefix = "paid_"

	// DefaultPaidGrace is how long a recorded payment short-circuits a new attempt
	DefaultPaidGrace = 5 * time.Minute
)

// record is the persisted layout of the slot. Timestamps are unix milliseconds.
type record struct {
	ClientSN        string     `json:"client_sn"`
	PrepayData      prepayData `json:"prepayData"`
	CreatedAt       int64      `json:"createdAt"`
	ExpiresAt       int64      `json:"expiresAt"`
	StudentIDNumber string     `json:"studentIdNumber"`
}

type prepayData struct {
	ClientSN       string          `json:"client_sn"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Subject        string          `json:"subject"`
	QRCode         string          `json:"qr_code"`
	QRCodeImageURL string          `json:"qr_code_image_url"`
	PayWay         string          `json:"pay_way"`
}

// Store is the durable single-slot record of the in-flight payment attempt,
// plus per-subject "recently paid" markers.
//
// Read failures never escape: a record that cannot be read or decoded is treated
// as absent and the slot is cleared.
type Store struct {
	kv     ports.KeyValueStore
	clock  timeutil.Clock
	logger *zap.Logger
}

// NewStore creates a session store over kv
func NewStore(kv ports.KeyValueStore, clock timeutil.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &Store{kv: kv, clock: clock, logger: logger}
}

// Save overwrites the slot with attempt, replacing whatever subject held it before
func (s *Store) Save(ctx context.Context, attempt *domain.PaymentAttempt) error {
	if attempt == nil || attempt.ClientTransactionID == "" || attempt.SubjectID == "" {
		return domain.ErrMissingParams
	}

	raw, err := json.Marshal(toRecord(attempt))
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := s.kv.Set(ctx, SlotKey, raw); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}

	s.logger.Debug("Payment session saved",
		zap.String("client_sn", attempt.ClientTransactionID),
		zap.Time("expires_at", attempt.ExpiresAt),
	)
	return nil
}

// Load returns the stored attempt only if it belongs to subjectID and has not expired.
// Any other record is evicted.
func (s *Store) Load(ctx context.Context, subjectID string) (*domain.PaymentAttempt, bool) {
	raw, found, err := s.kv.Get(ctx, SlotKey)
	if err != nil {
		s.logger.Warn("Failed to read payment session",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.ClientSN == "" {
		if err == nil {
			err = errors.New("record has no client_sn")
		}
		s.logger.Warn("Discarding malformed payment session",
			zap.Error(domain.WrapError(domain.ErrorCodeDecode, "malformed session record", err)),
		)
		s.evict(ctx, "malformed")
		return nil, false
	}

	attempt := rec.toAttempt()
	now := s.clock.Now()
	switch {
	case attempt.ExpiredAt(now):
		s.evict(ctx, "expired")
		return nil, false
	case attempt.SubjectID != subjectID:
		s.evict(ctx, "subject_mismatch")
		return nil, false
	}

	return attempt, true
}

// Clear removes the slot
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, SlotKey); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}

// MarkPaid records that subjectID completed a payment now
func (s *Store) MarkPaid(ctx context.Context, subjectID string) error {
	ts := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	if err := s.kv.Set(ctx, paidKey(subjectID), []byte(ts)); err != nil {
		return fmt.Errorf("save paid marker: %w", err)
	}
	return nil
}

// RecentlyPaid reports whether subjectID paid within grace. Stale or malformed markers are removed.
func (s *Store) RecentlyPaid(ctx context.Context, subjectID string, grace time.Duration) bool {
	if grace <= 0 {
		grace = DefaultPaidGrace
	}

	raw, found, err := s.kv.Get(ctx, paidKey(subjectID))
	if err != nil {
		s.logger.Warn("Failed to read paid marker",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		return false
	}
	if !found {
		return false
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		s.logger.Warn("Discarding malformed paid marker", zap.String("subject_id", subjectID))
		s.deleteKey(ctx, paidKey(subjectID))
		return false
	}

	if s.clock.Now().Sub(timeutil.UnixMilli(ms)) < grace {
		return true
	}
	s.deleteKey(ctx, paidKey(subjectID))
	return false
}

func (s *Store) evict(ctx context.Context, reason string) {
	s.logger.Info("Evicting payment session", zap.String("reason", reason))
	s.deleteKey(ctx, SlotKey)
}

func (s *Store) deleteKey(ctx context.Context, key string) {
	if err := s.kv.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to delete session key",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func paidKey(subjectID string) string {
	return paidKeyPrefix + subjectID
}

func toRecord(a *domain.PaymentAttempt) record {
	return record{
		ClientSN: a.ClientTransactionID,
		PrepayData: prepayData{
			ClientSN:       a.ClientTransactionID,
			TotalAmount:    a.TotalAmount,
			Subject:        a.Description,
			QRCode:         a.QRPayload,
			QRCodeImageURL: a.QRImageURL,
			PayWay:         a.PaymentMethod.PayWay(),
		},
		CreatedAt:       a.CreatedAt.UnixMilli(),
		ExpiresAt:       a.ExpiresAt.UnixMilli(),
		StudentIDNumber: a.SubjectID,
	}
}

func (r record) toAttempt() *domain.PaymentAttempt {
	method, _ := domain.ParsePaymentMethod(r.PrepayData.PayWay)
	return &domain.PaymentAttempt{
		ClientTransactionID: r.ClientSN,
		SubjectID:           r.StudentIDNumber,
		PaymentMethod:       method,
		TotalAmount:         r.PrepayData.TotalAmount,
		Description:         r.PrepayData.Subject,
		QRPayload:           r.PrepayData.QRCode,
		QRImageURL:          r.PrepayData.QRCodeImageURL,
		CreatedAt:           timeutil.UnixMilli(r.CreatedAt),
		ExpiresAt:           timeutil.UnixMilli(r.ExpiresAt),
	}
}
