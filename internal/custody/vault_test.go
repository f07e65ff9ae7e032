package custody

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeVault(t *testing.T, handler http.HandlerFunc) *VaultKeyStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := NewVaultKeyStore(Config{
		Address:   server.URL,
		Token:     "test-token",
		MountPath: "secret",
	}, slog.Default())
	require.NoError(t, err)
	return store
}

func TestGetKey(t *testing.T) {
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/wallet_0xabc", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"private_key": "deadbeef"},
				"metadata": map[string]any{"version": 1},
			},
		})
	})

	key, err := store.GetKey(context.Background(), "wallet_0xabc")

	require.NoError(t, err)
	assert.Equal(t, "deadbeef", key)
}

func TestGetKey_NotFound(t *testing.T) {
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	})

	_, err := store.GetKey(context.Background(), "wallet_0xmissing")

	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetKey_MissingField(t *testing.T) {
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"some_other_field": "x"},
				"metadata": map[string]any{"version": 1},
			},
		})
	})

	_, err := store.GetKey(context.Background(), "wallet_0xabc")

	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetKey_ServerError(t *testing.T) {
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":["sealed"]}`))
	})

	_, err := store.GetKey(context.Background(), "wallet_0xabc")

	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStoreKey(t *testing.T) {
	var gotBody map[string]any
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/secret/data/wallet_0xabc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"version": 1},
		})
	})

	err := store.StoreKey(context.Background(), "wallet_0xabc", "deadbeef")

	require.NoError(t, err)
	data, ok := gotBody["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", data["private_key"])
}

func TestStoreKey_ServerError(t *testing.T) {
	store := newFakeVault(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
	})

	err := store.StoreKey(context.Background(), "wallet_0xabc", "deadbeef")

	assert.ErrorIs(t, err, ErrUnavailable)
}
