package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/adapters/kvstore"
	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

const (
	subjectA = "110101199003078515"
	subjectB = "320102200801012345"
)

var epoch = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *kvstore.MemoryStore, *timeutil.ManualClock) {
	kv := kvstore.NewMemoryStore()
	clock := timeutil.NewManualClock(epoch)
	return NewStore(kv, clock, zap.NewNop()), kv, clock
}

func testAttempt(subject, sn string, createdAt time.Time) *domain.PaymentAttempt {
	return domain.NewPaymentAttempt(&domain.PrepayResult{
		ClientTransactionID: sn,
		TotalAmount:         decimal.RequireFromString("268.50"),
		Description:         "Autumn uniform x2",
		QRPayload:           "https://qr.alipay.com/bax01",
		QRImageURL:          "https://qr.example/bax01.png",
	}, subject, domain.PaymentMethodAlipay, createdAt, domain.DefaultAttemptWindow)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-1", clock.Now())))

	got, ok := store.Load(ctx, subjectA)
	require.True(t, ok)
	assert.Equal(t, "sn-1", got.ClientTransactionID)
	assert.Equal(t, subjectA, got.SubjectID)
	assert.Equal(t, domain.PaymentMethodAlipay, got.PaymentMethod)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("268.50")))
	assert.Equal(t, "Autumn uniform x2", got.Description)
	assert.Equal(t, epoch.Add(300*time.Second), got.ExpiresAt)
}

func TestStore_PersistedLayout(t *testing.T) {
	store, kv, clock := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-1", clock.Now())))

	raw, found, err := kv.Get(ctx, SlotKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{
		"client_sn":"sn-1",
		"prepayData":{"client_sn":"sn-1","total_amount":"268.5","subject":"Autumn uniform x2",
			"qr_code":"https://qr.alipay.com/bax01","qr_code_image_url":"https://qr.example/bax01.png","pay_way":"2"},
		"createdAt":1756713600000,
		"expiresAt":1756713900000,
		"studentIdNumber":"110101199003078515"
	}`, string(raw))
}

func TestStore_SaveReplacesSlot(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-a", clock.Now())))
	require.NoError(t, store.Save(ctx, testAttempt(subjectB, "sn-b", clock.Now())))

	_, ok := store.Load(ctx, subjectA)
	assert.False(t, ok)
}

func TestStore_SaveRejectsIncompleteAttempt(t *testing.T) {
	store, _, _ := newTestStore()

	assert.ErrorIs(t, store.Save(context.Background(), nil), domain.ErrMissingParams)
	assert.ErrorIs(t, store.Save(context.Background(), &domain.PaymentAttempt{SubjectID: subjectA}), domain.ErrMissingParams)
}

func TestStore_Load_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{name: "fresh", elapsed: 0, want: true},
		{name: "resume after reload", elapsed: 250 * time.Second, want: true},
		{name: "exactly at expiry", elapsed: 300 * time.Second, want: true},
		{name: "one millisecond past", elapsed: 300*time.Second + time.Millisecond, want: false},
		{name: "long gone", elapsed: time.Hour, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, kv, clock := newTestStore()
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-1", clock.Now())))

			clock.Set(epoch.Add(tt.elapsed))
			_, ok := store.Load(ctx, subjectA)
			assert.Equal(t, tt.want, ok)

			_, found, err := kv.Get(ctx, SlotKey)
			require.NoError(t, err)
			assert.Equal(t, tt.want, found, "expired records are evicted on read")
		})
	}
}

func TestStore_Load_RemainingAfterReload(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-1", clock.Now())))

	clock.Set(epoch.Add(250 * time.Second))
	got, ok := store.Load(ctx, subjectA)
	require.True(t, ok)
	assert.InDelta(t, 50, got.RemainingSeconds(clock.Now()), 1)
}

func TestStore_Load_SubjectIsolation(t *testing.T) {
	store, kv, clock := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-a", clock.Now())))

	_, ok := store.Load(ctx, subjectB)
	assert.False(t, ok)

	_, found, err := kv.Get(ctx, SlotKey)
	require.NoError(t, err)
	assert.False(t, found)

	_, ok = store.Load(ctx, subjectA)
	assert.False(t, ok, "a mismatched read evicts the slot")
}

func TestStore_Load_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "{oops"},
		{name: "wrong shape", raw: `{"client_sn":42}`},
		{name: "no client_sn", raw: `{"studentIdNumber":"110101199003078515","expiresAt":99999999999999}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, kv, _ := newTestStore()
			ctx := context.Background()
			require.NoError(t, kv.Set(ctx, SlotKey, []byte(tt.raw)))

			_, ok := store.Load(ctx, subjectA)
			assert.False(t, ok)

			_, found, err := kv.Get(ctx, SlotKey)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStore_Clear(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAttempt(subjectA, "sn-1", clock.Now())))

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))

	_, ok := store.Load(ctx, subjectA)
	assert.False(t, ok)
}

func TestStore_PaidMarker(t *testing.T) {
	store, kv, clock := newTestStore()
	ctx := context.Background()

	assert.False(t, store.RecentlyPaid(ctx, subjectA, DefaultPaidGrace))

	require.NoError(t, store.MarkPaid(ctx, subjectA))
	raw, found, err := kv.Get(ctx, "paid_"+subjectA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1756713600000", string(raw))

	clock.Advance(4*time.Minute + 59*time.Second)
	assert.True(t, store.RecentlyPaid(ctx, subjectA, DefaultPaidGrace))
	assert.False(t, store.RecentlyPaid(ctx, subjectB, DefaultPaidGrace))

	clock.Advance(time.Second)
	assert.False(t, store.RecentlyPaid(ctx, subjectA, DefaultPaidGrace))

	_, found, err = kv.Get(ctx, "paid_"+subjectA)
	require.NoError(t, err)
	assert.False(t, found, "stale marker is removed")
}

func TestStore_PaidMarker_Malformed(t *testing.T) {
	store, kv, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "paid_"+subjectA, []byte("yesterday")))

	assert.False(t, store.RecentlyPaid(ctx, subjectA, 0))

	_, found, err := kv.Get(ctx, "paid_"+subjectA)
	require.NoError(t, err)
	assert.False(t, found)
}

// MockKeyValueStore is a mock implementation of ports.KeyValueStore
type MockKeyValueStore struct {
	mock.Mock
}

func (m *MockKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	v, _ := args.Get(0).([]byte)
	return v, args.Bool(1), args.Error(2)
}

func (m *MockKeyValueStore) Set(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *MockKeyValueStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func TestStore_BackendFailuresNeverEscapeReads(t *testing.T) {
	kv := new(MockKeyValueStore)
	store := NewStore(kv, timeutil.NewManualClock(epoch), zap.NewNop())
	ctx := context.Background()
	unavailable := errors.New("store unavailable")

	kv.On("Get", ctx, SlotKey).Return(nil, false, unavailable)
	kv.On("Get", ctx, "paid_"+subjectA).Return(nil, false, unavailable)
	kv.On("Set", ctx, SlotKey, mock.Anything).Return(unavailable)

	_, ok := store.Load(ctx, subjectA)
	assert.False(t, ok)
	assert.False(t, store.RecentlyPaid(ctx, subjectA, DefaultPaidGrace))
	assert.ErrorIs(t, store.Save(ctx, testAttempt(subjectA, "sn-1", epoch)), unavailable)
}
