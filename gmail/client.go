// Package gmail wraps the Gmail REST API behind a client-factory that
// refreshes OAuth2 access tokens on demand, plus the RFC 5322 message
// construction the send path needs. Nothing here handles the OAuth
// consent flow — that's out of scope — only refreshing and using tokens
// the engine already has stored.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"github.com/coldpath/sequencer/config"
	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/utils"
)

// ErrTokenExpired is surfaced to callers when a forced refresh still
// leaves Gmail returning 401.
var ErrTokenExpired = errors.New("gmail: token expired")

const (
	refreshExpiryMargin = 60 * time.Second
	maxRefreshAttempts  = 4
	refreshBaseBackoff  = time.Second
	refreshMaxBackoff   = 10 * time.Second
)

// Client bundles a ready-to-use Gmail service with the user it belongs to.
type Client struct {
	Service *gmail.Service
	UserID  uint
}

// Factory produces authenticated Gmail clients per user, refreshing
// tokens on demand. Grounded on
// controllers/auth_controller.go's oauth2.Config construction, generalized
// from a one-time login exchange to an ongoing per-user token refresh
// cycle; the per-user mutex is new — every user gets its own refresh lock
// instead of sharing one mutable auth handle across accounts.
type Factory struct {
	db     *gorm.DB
	oauth  *oauth2.Config
	mu     sync.Map // userID -> *sync.Mutex
}

// NewFactory builds a Factory bound to db, using the Google OAuth client
// credentials from config for token refresh requests.
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
		oauth: &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				gmail.GmailSendScope,
				gmail.GmailModifyScope,
				gmail.GmailReadonlyScope,
			},
		},
	}
}

func (f *Factory) lockFor(userID uint) *sync.Mutex {
	m, _ := f.mu.LoadOrStore(userID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Get returns an authenticated client for userID, refreshing the stored
// access token first if it's within 60s of expiry or already expired.
func (f *Factory) Get(ctx context.Context, userID uint) (*Client, error) {
	lock := f.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	var account models.GmailAccount
	if err := f.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("load gmail account: %w", err)
	}

	if time.Until(account.TokenExpiry) < refreshExpiryMargin {
		if err := f.refresh(ctx, &account); err != nil {
			return nil, err
		}
	}

	accessToken, err := utils.Decrypt(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	))
	if err != nil {
		return nil, fmt.Errorf("build gmail service: %w", err)
	}

	return &Client{Service: svc, UserID: userID}, nil
}

// ForceRefresh re-runs token refresh unconditionally, used after a Gmail
// call comes back with 401 mid-flight: a single forced refresh and retry,
// not an unbounded retry loop.
func (f *Factory) ForceRefresh(ctx context.Context, userID uint) (*Client, error) {
	lock := f.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	var account models.GmailAccount
	if err := f.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("load gmail account: %w", err)
	}
	if err := f.refresh(ctx, &account); err != nil {
		return nil, ErrTokenExpired
	}

	accessToken, err := utils.Decrypt(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	))
	if err != nil {
		return nil, fmt.Errorf("build gmail service: %w", err)
	}
	return &Client{Service: svc, UserID: userID}, nil
}

// refresh exchanges the stored refresh token for a new access token, with
// up to 3 retries at 1s/2s/4s backoff capped at 10s.
func (f *Factory) refresh(ctx context.Context, account *models.GmailAccount) error {
	refreshToken, err := utils.Decrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	var lastErr error
	backoff := refreshBaseBackoff
	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > refreshMaxBackoff {
				backoff = refreshMaxBackoff
			}
		}

		src := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		token, err := src.Token()
		if err != nil {
			lastErr = err
			msg := err.Error()
			account.LastRefreshError = &msg
			continue
		}

		encAccess, err := utils.Encrypt(token.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt refreshed access token: %w", err)
		}
		account.AccessToken = encAccess
		account.TokenExpiry = token.Expiry
		account.LastRefreshError = nil
		now := time.Now()
		account.LastRefreshedAt = &now

		if err := f.db.Save(account).Error; err != nil {
			return fmt.Errorf("persist refreshed token: %w", err)
		}
		return nil
	}

	msg := lastErr.Error()
	account.LastRefreshError = &msg
	f.db.Save(account)
	return fmt.Errorf("refresh gmail token after %d attempts: %w", maxRefreshAttempts, lastErr)
}
