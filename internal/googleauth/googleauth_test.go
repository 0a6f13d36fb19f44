package googleauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

func newTestManager(t *testing.T, cfg Config, handler http.HandlerFunc) *Manager {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "client"
		cfg.ClientSecret = "secret"
	}
	m, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		m.oauth.Endpoint = oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return m
}

func tokenHandler(t *testing.T, access, refresh string, gotForm *url.Values) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if gotForm != nil {
			*gotForm = r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{"access_token":"` + access + `","token_type":"Bearer","expires_in":3600`
		if refresh != "" {
			body += `,"refresh_token":"` + refresh + `"`
		}
		_, _ = w.Write([]byte(body + "}"))
	}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{ClientID: "id"}, nil)
	require.Error(t, err)
}

func TestAuthCodeURL_Offline(t *testing.T) {
	m := newTestManager(t, Config{RedirectURL: "http://localhost:18790/oauth/callback"}, nil)
	u, err := url.Parse(m.AuthCodeURL("st"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "st", q.Get("state"))
	assert.Equal(t, "https://www.googleapis.com/auth/presentations", q.Get("scope"))
	assert.Equal(t, "http://localhost:18790/oauth/callback", q.Get("redirect_uri"))
}

func TestExchange_SavesToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "token.json")
	var form url.Values
	m := newTestManager(t, Config{TokenPath: path}, tokenHandler(t, "acc-1", "ref-1", &form))

	tok, err := m.Exchange(context.Background(), " the-code ")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", tok.RefreshToken)
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))

	saved, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", saved.AccessToken)
	assert.Equal(t, "ref-1", saved.RefreshToken)
	assert.True(t, m.HasToken())
}

func TestExchange_EmptyCode(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	_, err := m.Exchange(context.Background(), "  ")
	require.Error(t, err)
}

func TestTokenSource_NoToken(t *testing.T) {
	m := newTestManager(t, Config{TokenPath: filepath.Join(t.TempDir(), "missing.json")}, nil)
	_, err := m.TokenSource(context.Background())
	assert.True(t, errors.Is(err, ErrNoToken))
	assert.False(t, m.HasToken())
}

func TestTokenSource_RefreshTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	var form url.Values
	m := newTestManager(t, Config{TokenPath: path, RefreshToken: "ref-cfg"}, tokenHandler(t, "fresh", "", &form))

	src, err := m.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err := src.Token()
	require.NoError(t, err)

	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "ref-cfg", form.Get("refresh_token"))

	saved, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "ref-cfg", saved.RefreshToken)
}

func TestTokenSource_FilePreferredOverConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{
		AccessToken: "cached", RefreshToken: "ref-file", Expiry: time.Now().Add(time.Hour),
	}))
	m := newTestManager(t, Config{TokenPath: path, RefreshToken: "ref-cfg"}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called for a valid cached token")
	})

	src, err := m.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "cached", tok.AccessToken)
}

func TestLoadToken_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{}))
	_, err := LoadToken(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}

func TestStates(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s := m.NewState()
	assert.True(t, m.ConsumeState(s))
	assert.False(t, m.ConsumeState(s), "state is single use")
	assert.False(t, m.ConsumeState("forged"))

	expired := m.NewState()
	now = now.Add(stateTTL + time.Second)
	assert.False(t, m.ConsumeState(expired))
}
