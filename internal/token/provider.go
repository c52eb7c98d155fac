// Package token supplies bearer credentials for external calendar accounts.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// ErrNoCredentials is returned when no token is stored for an account.
var ErrNoCredentials = errors.New("no credentials stored for account")

// Store persists account tokens.
type Store interface {
	Get(ctx context.Context, accountID string) (*models.AccountToken, error)
	Save(ctx context.Context, t *models.AccountToken) error
}

// Provider hands out access tokens from the store, refreshing expired ones through
// the OAuth token endpoint and writing refreshed tokens back.
type Provider struct {
	store  Store
	config *oauth2.Config
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvider creates a token provider. config may be nil, in which case stored
// tokens are returned as-is and expired ones are reported as missing.
func NewProvider(store Store, config *oauth2.Config, logger logrus.FieldLogger) *Provider {
	return &Provider{
		store:  store,
		config: config,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// NewOAuthConfig builds the OAuth client configuration used for refreshes.
func NewOAuthConfig(clientID, clientSecret, tokenURL string, scopes []string) *oauth2.Config {
	if clientID == "" || tokenURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: scopes,
	}
}

// AccessToken returns a valid access token for the account.
func (p *Provider) AccessToken(ctx context.Context, accountID string) (string, error) {
	lock := p.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := p.store.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}
	if stored == nil {
		return "", fmt.Errorf("%w: %s", ErrNoCredentials, accountID)
	}

	current := toOAuth(stored)
	if current.Valid() {
		return current.AccessToken, nil
	}
	if p.config == nil || current.RefreshToken == "" {
		return "", fmt.Errorf("%w: token for %s expired", ErrNoCredentials, accountID)
	}

	refreshed, err := p.config.TokenSource(ctx, current).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	if refreshed.AccessToken != current.AccessToken {
		if err := p.store.Save(ctx, fromOAuth(accountID, refreshed, current.RefreshToken)); err != nil {
			// The refreshed token is still usable for this call.
			p.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to persist refreshed token")
		} else {
			p.logger.WithField("account_id", accountID).Debug("Refreshed access token")
		}
	}
	return refreshed.AccessToken, nil
}

func (p *Provider) accountLock(accountID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[accountID] = lock
	}
	return lock
}

func toOAuth(t *models.AccountToken) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.Expiry != nil {
		tok.Expiry = *t.Expiry
	}
	return tok
}

func fromOAuth(accountID string, t *oauth2.Token, previousRefresh string) *models.AccountToken {
	out := &models.AccountToken{
		AccountID:    accountID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	// Providers may omit the refresh token on refresh responses.
	if out.RefreshToken == "" {
		out.RefreshToken = previousRefresh
	}
	if !t.Expiry.IsZero() {
		expiry := t.Expiry.UTC().Truncate(time.Second)
		out.Expiry = &expiry
	}
	return out
}

// Static returns the same token for every account. Set from PROVIDER_STATIC_TOKEN for development.
type Static string

// AccessToken returns s.
func (s Static) AccessToken(ctx context.Context, accountID string) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}
