package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wellFormedKey = "a1b2c3d4-e5f6-a7b8-c9d0-e1f2a3b4c5d6"

func TestIsFormatValid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"well formed hex", wellFormedKey, true},
		{"well formed alphanumeric", "zzzzzzzz-yyyy-xxxx-wwww-vvvvvvvvvvvv", true},
		{"empty", "", false},
		{"too short", "a1b2c3d4-e5f6-a7b8-c9d0", false},
		{"too long", wellFormedKey + "ff", false},
		{"wrong segment lengths", "a1b2c3d4e5-f6-a7b8-c9d0-e1f2a3b4c5d6", false},
		{"missing hyphen", "a1b2c3d4_e5f6-a7b8-c9d0-e1f2a3b4c5d6", false},
		{"non alphanumeric segment", "a1b2c3d!-e5f6-a7b8-c9d0-e1f2a3b4c5d6", false},
		{"whitespace", "a1b2c3d4-e5f6-a7b8-c9d0-e1f2a3b4c5d ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsFormatValid(tt.key))
		})
	}
}

func TestAcquireFetchesFreshKey(t *testing.T) {
	var gotBody approvalRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"approval_key": wellFormedKey})
	}))
	defer server.Close()

	store := NewStore(nil, server.URL, "app-key", "app-secret", 5*time.Second)

	key, err := store.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wellFormedKey, key)

	assert.Equal(t, "client_credentials", gotBody.GrantType)
	assert.Equal(t, "app-key", gotBody.AppKey)
	assert.Equal(t, "app-secret", gotBody.SecretKey)
}

func TestAcquireNon2xxIsAcquisitionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	store := NewStore(nil, server.URL, "app-key", "app-secret", 5*time.Second)

	_, err := store.Acquire(context.Background())
	require.Error(t, err)

	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, http.StatusForbidden, acqErr.StatusCode)
}

func TestAcquireMissingKeyIsAcquisitionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"unexpected": "payload"})
	}))
	defer server.Close()

	store := NewStore(nil, server.URL, "app-key", "app-secret", 5*time.Second)

	_, err := store.Acquire(context.Background())
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
}

func TestAcquireNetworkErrorIsAcquisitionError(t *testing.T) {
	// Closed server: connection refused
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	store := NewStore(nil, server.URL, "app-key", "app-secret", time.Second)

	_, err := store.Acquire(context.Background())
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
}

func TestAcquireReturnsMalformedKeyWithWarning(t *testing.T) {
	// The upstream occasionally issues oddly shaped keys; they are logged
	// but still handed to the caller, mirroring the approval endpoint's
	// observed behavior.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "not-a-uuid"})
	}))
	defer server.Close()

	store := NewStore(nil, server.URL, "app-key", "app-secret", 5*time.Second)

	key, err := store.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not-a-uuid", key)
	assert.False(t, IsFormatValid(key))
}

func TestInvalidateWithoutRedisIsNoOp(t *testing.T) {
	store := NewStore(nil, "http://unused", "app-key", "app-secret", time.Second)
	assert.NotPanics(t, func() { store.Invalidate(context.Background()) })
}
