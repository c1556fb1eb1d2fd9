package application_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connection(expiresIn time.Duration) *domain.MerchantConnection {
	exp := time.Now().Add(expiresIn)
	return &domain.MerchantConnection{
		BusinessID:     7,
		MerchantID:     "M1",
		AccessToken:    "access-0",
		RefreshToken:   "refresh-0",
		TokenExpiresAt: &exp,
	}
}

func TestTokenManager_PreemptiveRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes once before the call when the token expires in 60s", func(t *testing.T) {
		conn := connection(60 * time.Second)
		repo := newFakeConnections(conn)
		endpoint := &fakeTokenEndpoint{}
		metrics := newCountingMetrics()
		manager := application.NewTokenManager(repo, endpoint, metrics, zerolog.Nop())

		var seen []string
		err := manager.WithValidToken(ctx, conn, func(_ context.Context, token string) error {
			seen = append(seen, token)
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, 1, endpoint.count())
		assert.Equal(t, []string{"access-1"}, seen)
		assert.Equal(t, "refresh-1", conn.RefreshToken)
		require.Len(t, repo.tokenUpdates, 1)
		assert.Equal(t, "access-1", repo.tokenUpdates[0].AccessToken)
		assert.Equal(t, 1, metrics.refresh["preemptive:success"])
	})

	t.Run("refreshes when the expiry is unknown", func(t *testing.T) {
		conn := connection(time.Hour)
		conn.TokenExpiresAt = nil
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		_, err := manager.Open(ctx, conn)
		require.NoError(t, err)
		assert.Equal(t, 1, endpoint.count())
	})

	t.Run("leaves a fresh token alone", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		err := manager.WithValidToken(ctx, conn, func(_ context.Context, token string) error {
			assert.Equal(t, "access-0", token)
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, endpoint.count())
	})

	t.Run("fails closed when the preemptive refresh fails", func(t *testing.T) {
		conn := connection(10 * time.Second)
		endpoint := &fakeTokenEndpoint{refresh: func(string) (*domain.TokenGrant, error) {
			return nil, &domain.UpstreamError{Status: http.StatusInternalServerError, Body: "boom"}
		}}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		called := false
		err := manager.WithValidToken(ctx, conn, func(context.Context, string) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.False(t, errors.Is(err, domain.ErrAuthExpired))
	})
}

func TestTokenManager_ReactiveRefreshBound(t *testing.T) {
	ctx := context.Background()

	t.Run("two 401s cause exactly one refresh and one retry", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		calls := 0
		err := manager.WithValidToken(ctx, conn, func(context.Context, string) error {
			calls++
			return unauthorized()
		})

		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrAuthExpired))
		var expired *domain.AuthExpiredError
		require.True(t, errors.As(err, &expired))
		assert.Equal(t, "M1", expired.MerchantID)
		assert.Equal(t, "access-1", expired.TokenInfo["token"])
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, endpoint.count())
	})

	t.Run("a retry that succeeds returns its result", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		var tokens []string
		err := manager.WithValidToken(ctx, conn, func(_ context.Context, token string) error {
			tokens = append(tokens, token)
			if token == "access-0" {
				return unauthorized()
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"access-0", "access-1"}, tokens)
	})

	t.Run("the bound covers the whole session", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		session, err := manager.Open(ctx, conn)
		require.NoError(t, err)

		first := true
		err = session.WithValidToken(ctx, func(context.Context, string) error {
			if first {
				first = false
				return unauthorized()
			}
			return nil
		})
		require.NoError(t, err)

		err = session.WithValidToken(ctx, func(context.Context, string) error { return unauthorized() })
		assert.True(t, errors.Is(err, domain.ErrAuthExpired))
		assert.Equal(t, 1, endpoint.count())
	})

	t.Run("no refresh token means immediate auth expiry", func(t *testing.T) {
		conn := connection(time.Hour)
		conn.RefreshToken = ""
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		calls := 0
		err := manager.WithValidToken(ctx, conn, func(context.Context, string) error {
			calls++
			return unauthorized()
		})
		assert.True(t, errors.Is(err, domain.ErrAuthExpired))
		assert.Equal(t, 1, calls)
		assert.Zero(t, endpoint.count())
	})

	t.Run("non-401 errors pass through untouched", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		boom := &domain.UpstreamError{Status: http.StatusBadGateway}
		err := manager.WithValidToken(ctx, conn, func(context.Context, string) error { return boom })
		assert.Same(t, boom, err)
		assert.Zero(t, endpoint.count())
	})
}

func TestTokenManager_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected refresh flags the connection for reconnect", func(t *testing.T) {
		conn := connection(time.Hour)
		repo := newFakeConnections(conn)
		endpoint := &fakeTokenEndpoint{refresh: func(string) (*domain.TokenGrant, error) {
			return nil, &domain.UpstreamError{Status: http.StatusBadRequest, Body: "invalid_grant"}
		}}
		metrics := newCountingMetrics()
		manager := application.NewTokenManager(repo, endpoint, metrics, zerolog.Nop())

		_, err := manager.Refresh(ctx, conn, application.TriggerBatch)
		assert.True(t, errors.Is(err, domain.ErrAuthExpired))
		assert.Equal(t, []int64{7}, repo.needsReconnect)
		assert.Equal(t, 1, metrics.refresh["batch:rejected"])
	})

	t.Run("keeps the old refresh token when none is rotated in", func(t *testing.T) {
		conn := connection(time.Hour)
		endpoint := &fakeTokenEndpoint{refresh: func(string) (*domain.TokenGrant, error) {
			return &domain.TokenGrant{AccessToken: "access-new"}, nil
		}}
		manager := application.NewTokenManager(newFakeConnections(conn), endpoint, nil, zerolog.Nop())

		_, err := manager.Refresh(ctx, conn, application.TriggerReactive)
		require.NoError(t, err)
		assert.Equal(t, "access-new", conn.AccessToken)
		assert.Equal(t, "refresh-0", conn.RefreshToken)
	})

	t.Run("concurrent refreshes of one business share one call", func(t *testing.T) {
		release := make(chan struct{})
		endpoint := &fakeTokenEndpoint{}
		endpoint.refresh = func(string) (*domain.TokenGrant, error) {
			<-release
			return &domain.TokenGrant{AccessToken: "shared", RefreshToken: "rotated"}, nil
		}
		base := connection(time.Hour)
		manager := application.NewTokenManager(newFakeConnections(base), endpoint, nil, zerolog.Nop())

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn := *base
				_, errs[i] = manager.Refresh(ctx, &conn, application.TriggerReactive)
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, endpoint.count())
	})
}
