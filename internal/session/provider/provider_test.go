package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petmarket/internal/session"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{
		Secret:      []byte("test-secret"),
		Issuer:      "wallet-discovery",
		LoginURL:    "https://wallet.test/authn?app=petmarket",
		SignUpURL:   "https://wallet.test/signup",
		CallbackURL: "http://localhost:8080/session/callback",
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return p
}

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		Address: "0x179B6B1CB6755E31",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "wallet-discovery",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

func TestProvider_Complete(t *testing.T) {
	p := newProvider(t)
	var seen []session.Identity
	unsubscribe := p.Subscribe(func(id session.Identity) { seen = append(seen, id) })
	defer unsubscribe()

	require.Len(t, seen, 1, "current identity is delivered on subscribe")
	assert.False(t, seen[0].Authenticated)

	id, err := p.Complete(context.Background(), sign(t, "test-secret", validClaims()))
	require.NoError(t, err)
	assert.True(t, id.Authenticated)
	assert.Equal(t, "0x179b6b1cb6755e31", id.Address.String())
	require.Len(t, seen, 2)
	assert.Equal(t, id, seen[1])

	require.NoError(t, p.LogOut(context.Background()))
	require.Len(t, seen, 3)
	assert.False(t, seen[2].Authenticated)
}

func TestProvider_SubscribersSeeChangesInOrder(t *testing.T) {
	p := newProvider(t)

	var (
		mu   sync.Mutex
		seen []session.Identity
	)
	signedIn := make(chan struct{})
	proceed := make(chan struct{})
	unsubscribe := p.Subscribe(func(id session.Identity) {
		if id.Authenticated {
			close(signedIn)
			<-proceed
		}
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := p.Complete(context.Background(), sign(t, "test-secret", validClaims()))
		assert.NoError(t, err)
	}()
	<-signedIn
	// sign-out races the sign-in notification still being delivered
	go func() {
		defer wg.Done()
		assert.NoError(t, p.LogOut(context.Background()))
	}()
	time.Sleep(20 * time.Millisecond)
	close(proceed)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.True(t, seen[1].Authenticated)
	assert.False(t, seen[2].Authenticated, "last delivered identity matches the provider's")
	assert.False(t, p.current.Authenticated)
}

func TestProvider_RejectsInvalidTokens(t *testing.T) {
	p := newProvider(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noAddress := validClaims()
	noAddress.Address = ""

	tests := map[string]string{
		"wrong secret": sign(t, "other-secret", validClaims()),
		"expired":      sign(t, "test-secret", expired),
		"wrong issuer": sign(t, "test-secret", wrongIssuer),
		"no expiry":    sign(t, "test-secret", noExpiry),
		"no address":   sign(t, "test-secret", noAddress),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.Complete(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestProvider_RedirectURLs(t *testing.T) {
	p := newProvider(t)

	login, err := p.LogIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.test/authn?app=petmarket&redirect_uri=http%3A%2F%2Flocalhost%3A8080%2Fsession%2Fcallback", login)

	signup, err := p.SignUp(context.Background())
	require.NoError(t, err)
	assert.Contains(t, signup, "https://wallet.test/signup?redirect_uri=")
}
