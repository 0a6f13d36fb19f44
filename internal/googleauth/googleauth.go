// Package googleauth obtains and persists the OAuth2 token used to call
// the Google Slides API on behalf of the bot's Google account.
package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	slidesapi "google.golang.org/api/slides/v1"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

const stateTTL = 10 * time.Minute

// ErrNoToken means neither a token file nor a refresh token is available.
var ErrNoToken = errors.New("googleauth: no token; run `deckbot auth` first")

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	RefreshToken string
	TokenPath    string
}

// Manager owns the OAuth2 client configuration and the token file.
type Manager struct {
	oauth        *oauth2.Config
	tokenPath    string
	refreshToken string
	log          *logger.Logger

	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func New(cfg Config, log *logger.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("googleauth: client id and secret are required")
	}
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{slidesapi.PresentationsScope},
		},
		tokenPath:    cfg.TokenPath,
		refreshToken: strings.TrimSpace(cfg.RefreshToken),
		log:          log.Named("googleauth"),
		states:       make(map[string]time.Time),
		now:          time.Now,
	}, nil
}

// AuthCodeURL returns the consent URL for offline access.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// NewState issues a one-time state value for the web consent flow.
func (m *Manager) NewState() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for s, exp := range m.states {
		if now.After(exp) {
			delete(m.states, s)
		}
	}
	state := uuid.NewString()
	m.states[state] = now.Add(stateTTL)
	return state
}

// ConsumeState reports whether state was issued and unexpired, and forgets it.
func (m *Manager) ConsumeState(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.states[state]
	delete(m.states, state)
	return ok && !m.now().After(exp)
}

// Exchange trades an authorization code for a token and saves it.
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("googleauth: authorization code is required")
	}
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		m.log.Warn("token response carried no refresh token; revoke access and authorize again for offline use")
	}
	if m.tokenPath != "" {
		if err := SaveToken(m.tokenPath, tok); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// TokenSource returns a refreshing source seeded from the token file, or
// from the configured refresh token when no file exists. Refreshed tokens
// are written back to the token file.
func (m *Manager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := m.initialToken()
	if err != nil {
		return nil, err
	}
	src := m.oauth.TokenSource(ctx, tok)
	if m.tokenPath == "" {
		return src, nil
	}
	return &persistingSource{src: src, path: m.tokenPath, last: tok.AccessToken, log: m.log}, nil
}

// HasToken reports whether credentials are available without contacting Google.
func (m *Manager) HasToken() bool {
	_, err := m.initialToken()
	return err == nil
}

func (m *Manager) initialToken() (*oauth2.Token, error) {
	if m.tokenPath != "" {
		tok, err := LoadToken(m.tokenPath)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if m.refreshToken != "" {
		return &oauth2.Token{RefreshToken: m.refreshToken}, nil
	}
	return nil, ErrNoToken
}

type persistingSource struct {
	src  oauth2.TokenSource
	path string
	log  *logger.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := SaveToken(p.path, tok); err != nil {
			p.log.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	return tok, nil
}

func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("token file %s is empty", path)
	}
	return &tok, nil
}

func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}
