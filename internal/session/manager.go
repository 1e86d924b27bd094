// Package session implements the interactive login state machine: password
// verification with lockout, the password-change and TOTP gates, the
// server-side session store, and the HMAC session cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/repository"
	"github.com/zonegate/zonegate/internal/secrets"
)

// CookieName is the session cookie.
const CookieName = "zonegate_session"

const sessionIDBytes = 24 // 192 bits

// Manager drives the interactive login state machine and owns the session
// store and cookie codec.
type Manager struct {
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	hasher   *secrets.Hasher
	totp     *secrets.TOTPVerifier
	codec    *securecookie.SecureCookie
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager builds a session manager. The cookie codec signs with the
// configured secret key; values are signed, not encrypted, since the
// cookie carries only the random session ID.
func NewManager(
	accounts repository.AccountRepository,
	sessions repository.SessionRepository,
	hasher *secrets.Hasher,
	totp *secrets.TOTPVerifier,
	cfg *config.Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		accounts: accounts,
		sessions: sessions,
		hasher:   hasher,
		totp:     totp,
		codec:    securecookie.New(cfg.SecretKey, nil),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Login verifies a password and opens a session in the state the account's
// flags demand. A wrong password counts toward lockout; reaching the
// threshold within the window locks the account.
func (m *Manager) Login(ctx context.Context, username, password, ip, userAgent string) (*models.Session, *models.Account, error) {
	now := m.now()
	account, err := m.accounts.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		// Burn a bcrypt comparison so unknown usernames cost the same as
		// wrong passwords.
		m.hasher.VerifyPassword(password, "$2a$12$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva")
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "unknown username")
	}
	if !account.IsActive {
		return nil, nil, apperr.Newf(apperr.KindAccountDisabled, "account %d disabled", account.ID)
	}
	if account.Locked(now) {
		return nil, nil, apperr.Newf(apperr.KindAccountLocked, "account %d locked until %s", account.ID, account.LockedUntil)
	}

	if !m.hasher.VerifyPassword(password, account.PasswordHash) {
		if err := m.recordFailure(ctx, account, now); err != nil {
			m.logger.Warn("record login failure", zap.Int64("account_id", account.ID), zap.Error(err))
		}
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "wrong password for account %d", account.ID)
	}

	account.FailedLoginCount = 0
	account.FirstFailedLoginAt = nil
	account.LockedUntil = nil
	if err := m.accounts.Update(ctx, account); err != nil {
		return nil, nil, fmt.Errorf("reset failure counter: %w", err)
	}

	state := models.SessionStateActive
	switch {
	case account.MustChangePassword:
		state = models.SessionStatePasswordChangeRequired
	case account.TOTPEnabled:
		state = models.SessionStateTOTPRequired
	}

	sess, err := m.open(ctx, account.ID, state, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return sess, account, nil
}

// recordFailure advances the lockout counter. A failure outside the
// rolling window restarts the count.
func (m *Manager) recordFailure(ctx context.Context, account *models.Account, now time.Time) error {
	if account.FirstFailedLoginAt == nil || now.Sub(*account.FirstFailedLoginAt) > m.cfg.LockoutWindow {
		account.FailedLoginCount = 1
		account.FirstFailedLoginAt = &now
	} else {
		account.FailedLoginCount++
	}
	if account.FailedLoginCount >= m.cfg.LockoutFails {
		until := now.Add(m.cfg.LockoutDuration)
		account.LockedUntil = &until
		m.logger.Warn("account locked",
			zap.Int64("account_id", account.ID),
			zap.Int("failures", account.FailedLoginCount),
			zap.Time("until", until))
	}
	return m.accounts.Update(ctx, account)
}

func (m *Manager) open(ctx context.Context, accountID int64, state, ip, userAgent string) (*models.Session, error) {
	id, err := randomHex(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	csrf, err := randomHex(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &models.Session{
		ID:         id,
		AccountID:  accountID,
		State:      state,
		CSRFToken:  csrf,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.cfg.SessionAbsolute),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// VerifyTOTP advances a totp_required session to active. A wrong code
// counts toward the login lockout of the owning account.
func (m *Manager) VerifyTOTP(ctx context.Context, sess *models.Session, code string) error {
	if sess.State != models.SessionStateTOTPRequired {
		return apperr.Newf(apperr.KindMalformed, "session %s not awaiting totp", sess.ID)
	}
	account, err := m.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return err
	}
	if account.TOTPSecret == nil || !m.totp.Verify(*account.TOTPSecret, code) {
		if err := m.recordFailure(ctx, account, m.now()); err != nil {
			m.logger.Warn("record totp failure", zap.Int64("account_id", account.ID), zap.Error(err))
		}
		return apperr.Newf(apperr.KindInvalidToken, "totp verification failed for account %d", account.ID)
	}
	sess.State = models.SessionStateActive
	return m.sessions.Update(ctx, sess)
}

// ConsumeRecoveryCode advances a totp_required session to active using a
// one-time recovery code. Consumption is atomic and single-use; the
// returned count is how many codes remain.
func (m *Manager) ConsumeRecoveryCode(ctx context.Context, sess *models.Session, code string) (remaining int, err error) {
	if sess.State != models.SessionStateTOTPRequired {
		return 0, apperr.Newf(apperr.KindMalformed, "session %s not awaiting totp", sess.ID)
	}
	account, err := m.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return 0, err
	}
	left, ok := m.hasher.ConsumeRecoveryCode(code, account.RecoveryCodeHashes)
	if !ok {
		if err := m.recordFailure(ctx, account, m.now()); err != nil {
			m.logger.Warn("record recovery failure", zap.Int64("account_id", account.ID), zap.Error(err))
		}
		return len(account.RecoveryCodeHashes), apperr.Newf(apperr.KindInvalidToken, "recovery code rejected for account %d", account.ID)
	}
	account.RecoveryCodeHashes = left
	if err := m.accounts.Update(ctx, account); err != nil {
		return len(left), err
	}
	sess.State = models.SessionStateActive
	if err := m.sessions.Update(ctx, sess); err != nil {
		return len(left), err
	}
	if len(left) == 0 {
		m.logger.Warn("recovery codes exhausted", zap.Int64("account_id", account.ID))
	}
	return len(left), nil
}

// ChangePassword completes the password-change gate. Sessions in
// password_change_required move to the next gate the account demands;
// active sessions just rotate the password. All other sessions of the
// account are revoked.
func (m *Manager) ChangePassword(ctx context.Context, sess *models.Session, current, next string) error {
	account, err := m.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return err
	}
	if !m.hasher.VerifyPassword(current, account.PasswordHash) {
		return apperr.Newf(apperr.KindInvalidToken, "current password rejected for account %d", account.ID)
	}
	if len(next) < 8 {
		return apperr.Newf(apperr.KindMalformed, "new password too short")
	}
	hash, err := m.hasher.HashPassword(next)
	if err != nil {
		return err
	}
	account.PasswordHash = hash
	account.MustChangePassword = false
	if err := m.accounts.Update(ctx, account); err != nil {
		return err
	}
	if err := m.sessions.RevokeAllForAccount(ctx, account.ID); err != nil {
		m.logger.Warn("revoke sessions after password change", zap.Int64("account_id", account.ID), zap.Error(err))
	}

	if sess.State == models.SessionStatePasswordChangeRequired {
		sess.State = models.SessionStateActive
		if account.TOTPEnabled {
			sess.State = models.SessionStateTOTPRequired
		}
	}
	sess.Revoked = false
	return m.sessions.Update(ctx, sess)
}

// Logout revokes the session.
func (m *Manager) Logout(ctx context.Context, sess *models.Session) error {
	return m.sessions.Revoke(ctx, sess.ID)
}

// Authenticate resolves the session cookie on a request to a live session
// and its account, enforcing idle and absolute timeouts.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*models.Session, *models.Account, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "no session cookie")
	}
	var id string
	if err := m.codec.Decode(CookieName, cookie.Value, &id); err != nil {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "session cookie rejected: %v", err)
	}

	sess, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "unknown session")
	}
	now := m.now()
	if sess.Revoked || now.After(sess.ExpiresAt) || now.Sub(sess.LastSeenAt) > m.cfg.SessionIdle {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "session %s expired", sess.ID)
	}

	account, err := m.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return nil, nil, apperr.Newf(apperr.KindInvalidToken, "session account missing")
	}
	if !account.IsActive {
		return nil, nil, apperr.Newf(apperr.KindAccountDisabled, "account %d disabled", account.ID)
	}

	if err := m.sessions.Touch(ctx, sess.ID, now); err != nil {
		m.logger.Warn("touch session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return sess, account, nil
}

// CheckCSRF validates the CSRF token presented on an interactive write.
func (m *Manager) CheckCSRF(sess *models.Session, presented string) error {
	if presented == "" || presented != sess.CSRFToken {
		return apperr.Newf(apperr.KindInvalidToken, "csrf token mismatch for session %s", sess.ID)
	}
	return nil
}

// IssueCookie writes the signed session cookie onto the response.
func (m *Manager) IssueCookie(w http.ResponseWriter, r *http.Request, sess *models.Session) error {
	encoded, err := m.codec.Encode(CookieName, sess.ID)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.cookieSecure(r),
		MaxAge:   int(m.cfg.SessionAbsolute.Seconds()),
	})
	return nil
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.cookieSecure(r),
		MaxAge:   -1,
	})
}

// cookieSecure resolves the COOKIE_SECURE policy. In auto mode the cookie
// is Secure when the request arrived over TLS directly or via a proxy
// that says so.
func (m *Manager) cookieSecure(r *http.Request) bool {
	switch m.cfg.CookieSecure {
	case "true":
		return true
	case "false":
		return false
	default:
		return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
}

// GC deletes sessions past their absolute expiry. Run periodically.
func (m *Manager) GC(ctx context.Context) {
	n, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		m.logger.Warn("session gc", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Debug("session gc", zap.Int64("deleted", n))
	}
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
