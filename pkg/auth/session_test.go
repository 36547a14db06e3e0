package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers map[string]*User

func (f fakeUsers) GetUser(ctx context.Context, id string) (*User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, users fakeUsers) (*TokenService, *MemoryRefreshStore, *time.Time) {
	t.Helper()
	store := NewMemoryRefreshStore()
	svc := NewTokenService(TokenConfig{
		Secret:     testSecret,
		Issuer:     "warden-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, store, users)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store, &now
}

func TestIssueSession(t *testing.T) {
	user := &User{ID: "u1", Email: "a@x.com", BaseRole: "user"}
	svc, store, _ := newTestService(t, fakeUsers{"u1": user})

	session, err := svc.IssueSession(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, int64(900), session.ExpiresIn)
	assert.Equal(t, int64(86400), session.RefreshExpiresIn)
	assert.NotEqual(t, session.AccessToken, session.RefreshToken)
	assert.Len(t, store.records, 1)

	claims, err := svc.ParseAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueSessionRequiresUser(t *testing.T) {
	svc, _, _ := newTestService(t, fakeUsers{})
	_, err := svc.IssueSession(context.Background(), &User{})
	assert.Error(t, err)
}

func TestParseAccessTokenRejects(t *testing.T) {
	user := &User{ID: "u1", Email: "a@x.com", BaseRole: "user"}
	svc, _, now := newTestService(t, fakeUsers{"u1": user})

	session, err := svc.IssueSession(context.Background(), user)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := now.Add(time.Hour)
		svc.now = func() time.Time { return later }
		defer func() { svc.now = func() time.Time { return *now } }()

		_, err := svc.ParseAccessToken(session.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenService(TokenConfig{Secret: []byte("another-secret-another-secret-xx"), Issuer: "warden-test"}, NewMemoryRefreshStore(), nil)
		other.now = svc.now
		_, err := other.ParseAccessToken(session.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokenService(TokenConfig{Secret: testSecret, Issuer: "someone-else"}, NewMemoryRefreshStore(), nil)
		other.now = svc.now
		_, err := other.ParseAccessToken(session.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "warden-test",
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.ParseAccessToken(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := svc.ParseAccessToken("  ")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRefreshRotates(t *testing.T) {
	user := &User{ID: "u1", Email: "a@x.com", BaseRole: "admin"}
	svc, _, _ := newTestService(t, fakeUsers{"u1": user})
	ctx := context.Background()

	first, err := svc.IssueSession(ctx, user)
	require.NoError(t, err)

	second, refreshedUser, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", refreshedUser.ID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, _, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, _, err = svc.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	user := &User{ID: "u1", Email: "a@x.com", BaseRole: "user"}
	svc, store, now := newTestService(t, fakeUsers{"u1": user})
	ctx := context.Background()

	session, err := svc.IssueSession(ctx, user)
	require.NoError(t, err)

	later := now.Add(48 * time.Hour)
	svc.now = func() time.Time { return later }

	_, _, err = svc.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	purged, err := svc.PurgeExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Empty(t, store.records)
}

func TestRefreshUnknownUser(t *testing.T) {
	user := &User{ID: "gone", Email: "a@x.com", BaseRole: "user"}
	svc, _, _ := newTestService(t, fakeUsers{})

	session, err := svc.IssueSession(context.Background(), user)
	require.NoError(t, err)

	_, _, err = svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshMalformed(t *testing.T) {
	svc, _, _ := newTestService(t, fakeUsers{})
	_, _, err := svc.Refresh(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	user := &User{ID: "u1", Email: "a@x.com", BaseRole: "user"}
	svc, _, _ := newTestService(t, fakeUsers{"u1": user})
	ctx := context.Background()

	session, err := svc.IssueSession(ctx, user)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}
