package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(expiresIn).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStore_Token(t *testing.T) {
	log := logger.NewDefault()

	t.Run("should serve the cached token without refreshing", func(t *testing.T) {
		var calls atomic.Int32
		store := NewStore("opaque-token", func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "unused", nil
		}, log)

		tok, err := store.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "opaque-token", tok)
		assert.EqualValues(t, 0, calls.Load())
	})

	t.Run("should refresh an expired token", func(t *testing.T) {
		var calls atomic.Int32
		store := NewStore(signedToken(t, -time.Minute), func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "fresh-token", nil
		}, log)

		tok, err := store.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", tok)
		assert.EqualValues(t, 1, calls.Load())

		// The refreshed token carries no exp claim, so it stays cached.
		tok, err = store.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", tok)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("should treat a token inside the leeway window as stale", func(t *testing.T) {
		var calls atomic.Int32
		store := NewStore(signedToken(t, 10*time.Second), func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "fresh-token", nil
		}, log)

		tok, err := store.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", tok)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("should surface refresh failures and retry on the next call", func(t *testing.T) {
		var calls atomic.Int32
		store := NewStore("", func(ctx context.Context) (string, error) {
			if calls.Add(1) == 1 {
				return "", fmt.Errorf("auth backend down")
			}
			return "second-try", nil
		}, log)

		_, err := store.Token(context.Background())
		require.Error(t, err)
		assert.True(t, wire.HasCode(err, wire.CodeConnectivity))

		tok, err := store.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "second-try", tok)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("should collapse concurrent callers into one refresh", func(t *testing.T) {
		var calls atomic.Int32
		store := NewStore("", func(ctx context.Context) (string, error) {
			calls.Add(1)
			time.Sleep(30 * time.Millisecond)
			return "shared-token", nil
		}, log)

		var wg sync.WaitGroup
		results := make([]string, 8)
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = store.Token(context.Background())
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, "shared-token", results[i])
		}
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestStore_Invalidate(t *testing.T) {
	var calls atomic.Int32
	store := NewStore("opaque-token", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "after-invalidate", nil
	}, logger.NewDefault())

	tok, err := store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)

	store.Invalidate()

	tok, err = store.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after-invalidate", tok)
	assert.EqualValues(t, 1, calls.Load())
}
