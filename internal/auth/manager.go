// Package auth owns the Salesforce session: OAuth code exchange, transparent
// token refresh, inactivity expiry, and encrypted persistence.
package auth

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"apex-test-suite/backend/internal/salesforce"
	"apex-test-suite/backend/internal/security"
	sessiondomain "apex-test-suite/backend/internal/session/domain"
)

// ErrAuthenticationRequired means there is no connected session, or the session
// could not be recovered by a refresh. The caller must re-run the login flow.
var ErrAuthenticationRequired = errors.New("auth: authentication required")

// SessionStore is the minimal session repository needed by the Manager.
type SessionStore interface {
	FindMostRecent(ctx context.Context) (*sessiondomain.Session, error)
	ReplaceAll(ctx context.Context, s *sessiondomain.Session) error
	DeleteAll(ctx context.Context) error
	UpdateLastActivity(ctx context.Context, at time.Time) error
}

// OAuth is the remote authorization-server surface needed by the Manager.
type OAuth interface {
	AuthorizationURL() string
	ExchangeCode(ctx context.Context, code string) (*salesforce.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*salesforce.TokenResponse, error)
	Revoke(ctx context.Context, token string) error
	UserInfo(ctx context.Context, instanceURL, accessToken string) (*salesforce.UserInfo, error)
}

// Manager holds the single in-memory session shared by all requests and pollers.
// Token state is guarded by a mutex; refreshes are coalesced through singleflight
// so concurrent callers never race overlapping refresh grants against the
// authorization server.
type Manager struct {
	store             SessionStore
	cipher            *security.TokenCipher
	oauth             OAuth
	inactivityTimeout time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	instanceURL  string
	lastActivity time.Time

	refreshGroup singleflight.Group
}

// NewManager returns a Manager in the disconnected state. Call Restore to pick up
// a persisted session from a previous process.
func NewManager(store SessionStore, cipher *security.TokenCipher, oauth OAuth, inactivityTimeout time.Duration) *Manager {
	return &Manager{
		store:             store,
		cipher:            cipher,
		oauth:             oauth,
		inactivityTimeout: inactivityTimeout,
	}
}

// BuildAuthorizationURL returns the user-facing login URL. No side effects.
func (m *Manager) BuildAuthorizationURL() string {
	return m.oauth.AuthorizationURL()
}

// ExchangeCode trades the authorization code for tokens, replaces the in-memory
// session state, and persists the encrypted session. A failed identity fetch
// during persistence is logged and does not fail the exchange.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	tok, err := m.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.accessToken = tok.AccessToken
	m.refreshToken = tok.RefreshToken
	m.instanceURL = tok.InstanceURL
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()
	log.Printf("auth: authenticated with Salesforce at %s", tok.InstanceURL)
	return m.persist(ctx)
}

// TryRefresh attempts one refresh grant. It returns false when no refresh token is
// held or the remote call fails; it never returns an error. Concurrent calls are
// coalesced into a single request whose result all callers share.
func (m *Manager) TryRefresh(ctx context.Context) bool {
	v, _, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		m.mu.Lock()
		refreshToken := m.refreshToken
		m.mu.Unlock()
		if refreshToken == "" {
			return false, nil
		}
		tok, err := m.oauth.Refresh(ctx, refreshToken)
		if err != nil {
			log.Printf("auth: failed to refresh token: %v", err)
			return false, nil
		}
		m.mu.Lock()
		m.accessToken = tok.AccessToken
		if tok.InstanceURL != "" {
			m.instanceURL = tok.InstanceURL
		}
		m.lastActivity = time.Now().UTC()
		m.mu.Unlock()
		if err := m.persist(ctx); err != nil {
			log.Printf("auth: could not persist refreshed session: %v", err)
		}
		log.Printf("auth: refreshed Salesforce access token")
		return true, nil
	})
	refreshed, _ := v.(bool)
	return refreshed
}

// IsConnected reports whether a usable session is held. When the inactivity
// timeout has elapsed it clears the in-memory and persisted session before
// returning false, so this read mutates state.
func (m *Manager) IsConnected(ctx context.Context) bool {
	m.mu.Lock()
	token := m.accessToken
	lastActivity := m.lastActivity
	m.mu.Unlock()
	if token == "" {
		return false
	}
	if !lastActivity.IsZero() {
		inactive := time.Since(lastActivity)
		if inactive >= m.inactivityTimeout {
			log.Printf("auth: session expired after %s inactive (limit %s)", inactive.Round(time.Minute), m.inactivityTimeout)
			m.clearSession(ctx)
			return false
		}
	}
	return true
}

// TouchActivity refreshes the activity timestamp in memory and in the store.
// No-op when disconnected.
func (m *Manager) TouchActivity(ctx context.Context) {
	m.mu.Lock()
	connected := m.accessToken != ""
	now := time.Now().UTC()
	if connected {
		m.lastActivity = now
	}
	m.mu.Unlock()
	if !connected {
		return
	}
	if err := m.store.UpdateLastActivity(ctx, now); err != nil {
		log.Printf("auth: could not update session activity: %v", err)
	}
}

// Identity fetches the identity record for the connected session. On a failed call
// it attempts exactly one refresh and one retry; if that also fails it reports
// ErrAuthenticationRequired. A successful call counts as activity.
func (m *Manager) Identity(ctx context.Context) (*salesforce.UserInfo, error) {
	if !m.IsConnected(ctx) {
		return nil, ErrAuthenticationRequired
	}
	instanceURL, accessToken := m.snapshot()
	info, err := m.oauth.UserInfo(ctx, instanceURL, accessToken)
	if err != nil {
		if !m.TryRefresh(ctx) {
			return nil, ErrAuthenticationRequired
		}
		instanceURL, accessToken = m.snapshot()
		info, err = m.oauth.UserInfo(ctx, instanceURL, accessToken)
		if err != nil {
			return nil, ErrAuthenticationRequired
		}
	}
	m.TouchActivity(ctx)
	return info, nil
}

// BearerToken returns the current access token and instance URL for API calls, or
// ErrAuthenticationRequired when disconnected. Both values come from one snapshot
// taken after any in-flight refresh has published its result.
func (m *Manager) BearerToken(ctx context.Context) (string, string, error) {
	if !m.IsConnected(ctx) {
		return "", "", ErrAuthenticationRequired
	}
	instanceURL, token := m.snapshot()
	return token, instanceURL, nil
}

// Logout revokes the access token best-effort, then clears the in-memory and
// persisted session unconditionally.
func (m *Manager) Logout(ctx context.Context) {
	instanceURL, token := m.snapshot()
	if token != "" && instanceURL != "" {
		if err := m.oauth.Revoke(ctx, token); err != nil {
			log.Printf("auth: error revoking token: %v", err)
		}
	}
	m.clearSession(ctx)
	log.Printf("auth: logged out from Salesforce")
}

// Restore loads the most recent persisted session at startup. A session past the
// inactivity limit is discarded; a session whose tokens no longer decrypt is
// treated as no usable credential. Otherwise the tokens are loaded into memory and
// one proactive refresh is attempted, since the access token's remaining lifetime
// is unknown to this process.
func (m *Manager) Restore(ctx context.Context) {
	sess, err := m.store.FindMostRecent(ctx)
	if err != nil {
		log.Printf("auth: could not load session from store on startup: %v", err)
		return
	}
	if sess == nil {
		return
	}
	inactive := time.Since(sess.LastActivityAt)
	if inactive >= m.inactivityTimeout {
		log.Printf("auth: stored session expired (%s inactive, limit %s), clearing", inactive.Round(time.Minute), m.inactivityTimeout)
		m.clearSession(ctx)
		return
	}
	accessToken, err := m.cipher.Decrypt(sess.EncryptedAccessToken)
	if err != nil {
		log.Printf("auth: stored access token unusable: %v", err)
		m.clearSession(ctx)
		return
	}
	refreshToken, err := m.cipher.Decrypt(sess.EncryptedRefreshToken)
	if err != nil {
		log.Printf("auth: stored refresh token unusable: %v", err)
		m.clearSession(ctx)
		return
	}
	m.mu.Lock()
	m.accessToken = accessToken
	m.refreshToken = refreshToken
	m.instanceURL = sess.InstanceURL
	m.lastActivity = sess.LastActivityAt
	m.mu.Unlock()
	if accessToken != "" {
		log.Printf("auth: restored session for org %s (last active %s ago)", sess.OrgID, inactive.Round(time.Minute))
		m.TryRefresh(ctx)
	}
}

// snapshot returns the instance URL and access token read under one lock.
func (m *Manager) snapshot() (instanceURL, accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instanceURL, m.accessToken
}

// persist replaces the stored session with the current in-memory state, encrypted.
// Identity lookup for the org/username columns is best-effort.
func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	accessToken := m.accessToken
	refreshToken := m.refreshToken
	instanceURL := m.instanceURL
	lastActivity := m.lastActivity
	m.mu.Unlock()

	encAccess, err := m.cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}
	encRefresh, err := m.cipher.Encrypt(refreshToken)
	if err != nil {
		return err
	}
	sess := &sessiondomain.Session{
		ID:                    uuid.New().String(),
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		InstanceURL:           instanceURL,
		CreatedAt:             time.Now().UTC(),
		LastActivityAt:        lastActivity,
	}
	if info, err := m.oauth.UserInfo(ctx, instanceURL, accessToken); err != nil {
		log.Printf("auth: could not fetch user info for session record: %v", err)
	} else {
		sess.OrgID = info.OrganizationID
		sess.Username = info.Username
	}
	return m.store.ReplaceAll(ctx, sess)
}

// clearSession wipes the in-memory state and the store. Store failures are logged.
func (m *Manager) clearSession(ctx context.Context) {
	m.mu.Lock()
	m.accessToken = ""
	m.refreshToken = ""
	m.instanceURL = ""
	m.lastActivity = time.Time{}
	m.mu.Unlock()
	if err := m.store.DeleteAll(ctx); err != nil {
		log.Printf("auth: could not clear persisted session: %v", err)
	}
}
