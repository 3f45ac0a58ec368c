package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain/ports"
)

var (
	_ ports.KeyValueStore = (*MemoryStore)(nil)
	_ ports.KeyValueStore = (*FileStore)(nil)
)

func storeContract(t *testing.T, store ports.KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "paymentOrder")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "paymentOrder", []byte(`{"client_sn":"sn-1"}`)))
	v, found, err := store.Get(ctx, "paymentOrder")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"client_sn":"sn-1"}`, string(v))

	require.NoError(t, store.Set(ctx, "paymentOrder", []byte(`{"client_sn":"sn-2"}`)))
	v, _, err = store.Get(ctx, "paymentOrder")
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_sn":"sn-2"}`, string(v))

	require.NoError(t, store.Set(ctx, "paid_110101199003078515", []byte("1756684800000")))
	require.NoError(t, store.Delete(ctx, "paymentOrder"))
	require.NoError(t, store.Delete(ctx, "paymentOrder"))

	_, found, err = store.Get(ctx, "paymentOrder")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err = store.Get(ctx, "paid_110101199003078515")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1756684800000", string(v))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'x'

	got, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	got[1] = 'y'

	again, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "session.json"), zap.NewNop())
	require.NoError(t, err)
	storeContract(t, store)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()

	first, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "paymentOrder", []byte(`{"client_sn":"sn-1"}`)))

	second, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)
	v, found, err := second.Get(ctx, "paymentOrder")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"client_sn":"sn-1"}`, string(v))
}

func TestFileStore_CorruptFileReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewFileStore(path, zap.NewNop())
	require.NoError(t, err)

	_, found, err := store.Get(context.Background(), "paymentOrder")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(context.Background(), "paymentOrder", []byte("{}")))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paymentOrder":"{}"}`, string(raw))
}

func TestFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("", zap.NewNop())
	assert.Error(t, err)
}

func TestFileStore_CanceledContext(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Set(ctx, "k", []byte("v")), context.Canceled)
	_, _, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
