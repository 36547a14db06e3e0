package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// newTestCertificate returns a self-signed certificate and its PKCS1 key, both PEM.
func newTestCertificate(t *testing.T, commonName string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return string(certPEM), string(keyPEM)
}

// fakeIdP is an OAuth2 and OIDC identity provider backed by httptest.
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	mu          sync.Mutex
	nonce       string
	subject     string
	idEmail     string
	profile     map[string]interface{}
	tokenStatus int
	tokenDelay  time.Duration
	userStatus  int

	discoveryHits int32
	tokenHits     int32
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{
		t:           t,
		key:         key,
		subject:     "user-1",
		idEmail:     "alice@example.com",
		tokenStatus: http.StatusOK,
		userStatus:  http.StatusOK,
		profile: map[string]interface{}{
			"id":    float64(42),
			"sub":   "user-1",
			"email": "Alice@Example.com",
			"name":  "Alice",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("/jwks", idp.jwks)
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/userinfo", idp.userinfo)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) URL() string { return f.server.URL }

func (f *fakeIdP) setNonce(nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = nonce
}

func (f *fakeIdP) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeIdP) discovery(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.discoveryHits, 1)
	f.writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                f.URL(),
		"authorization_endpoint":                f.URL() + "/authorize",
		"token_endpoint":                        f.URL() + "/token",
		"userinfo_endpoint":                     f.URL() + "/userinfo",
		"jwks_uri":                              f.URL() + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeIdP) jwks(w http.ResponseWriter, r *http.Request) {
	f.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(f.key.PublicKey.N.Bytes()),
			"e":   "AQAB",
		}},
	})
}

func (f *fakeIdP) idToken() string {
	f.mu.Lock()
	claims := jwt.MapClaims{
		"iss":   f.URL(),
		"sub":   f.subject,
		"aud":   "client-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"nonce": f.nonce,
		"email": f.idEmail,
		"name":  "Alice From Token",
	}
	f.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(f.key)
	require.NoError(f.t, err)
	return signed
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.tokenHits, 1)
	f.mu.Lock()
	status, delay := f.tokenStatus, f.tokenDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		f.writeJSON(w, status, map[string]string{"error": "invalid_grant"})
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": "access-1",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     f.idToken(),
	})
}

func (f *fakeIdP) userinfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-1" {
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	f.mu.Lock()
	status, profile := f.userStatus, f.profile
	f.mu.Unlock()
	if status != http.StatusOK {
		f.writeJSON(w, status, map[string]string{"error": "unavailable"})
		return
	}
	f.writeJSON(w, http.StatusOK, profile)
}
