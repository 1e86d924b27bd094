package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/db/bunx"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/migrations"
	"github.com/zonegate/zonegate/internal/repository"
	"github.com/zonegate/zonegate/internal/secrets"
)

func testConfig() *config.Config {
	return &config.Config{
		SecretKey:       []byte("0123456789abcdef0123456789abcdef"),
		SessionIdle:     30 * time.Minute,
		SessionAbsolute: 12 * time.Hour,
		CookieSecure:    "auto",
		LockoutFails:    3,
		LockoutWindow:   15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
		BcryptCost:      secrets.MinBcryptCost,
	}
}

type managerFixture struct {
	manager  *Manager
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	hasher   *secrets.Hasher
	db       *bun.DB
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	hasher, err := secrets.NewHasher(secrets.MinBcryptCost)
	require.NoError(t, err)

	accounts := repository.NewBunAccountRepository(db)
	sessions := repository.NewBunSessionRepository(db)
	manager := NewManager(accounts, sessions, hasher, secrets.NewTOTPVerifier(), testConfig(), zap.NewNop())

	return &managerFixture{
		manager:  manager,
		accounts: accounts,
		sessions: sessions,
		hasher:   hasher,
		db:       db,
	}
}

func (f *managerFixture) createAccount(t *testing.T, username, password string, mutate func(*models.Account)) *models.Account {
	t.Helper()
	hash, err := f.hasher.HashPassword(password)
	require.NoError(t, err)
	account := &models.Account{
		Username:     username,
		Email:        username + "@example.org",
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if mutate != nil {
		mutate(account)
	}
	require.NoError(t, f.accounts.Create(context.Background(), account))
	return account
}

func TestManager_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("success opens an active session", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "alice", "correct horse", nil)

		sess, account, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "curl/8")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateActive, sess.State)
		assert.Equal(t, "alice", account.Username)
		assert.NotEmpty(t, sess.CSRFToken)
		assert.Len(t, sess.ID, sessionIDBytes*2)
	})

	t.Run("username is case folded", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "alice", "correct horse", nil)

		_, _, err := f.manager.Login(ctx, "  Alice ", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)
	})

	t.Run("unknown username", func(t *testing.T) {
		f := setupManager(t)
		_, _, err := f.manager.Login(ctx, "nobody", "pw", "203.0.113.7", "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})

	t.Run("disabled account", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "bob", "pw12345678", func(a *models.Account) { a.IsActive = false })

		_, _, err := f.manager.Login(ctx, "bob", "pw12345678", "203.0.113.7", "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindAccountDisabled, apperr.KindOf(err))
	})

	t.Run("must change password gates the session", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "carol", "pw12345678", func(a *models.Account) { a.MustChangePassword = true })

		sess, _, err := f.manager.Login(ctx, "carol", "pw12345678", "203.0.113.7", "")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatePasswordChangeRequired, sess.State)
	})
}

func TestManager_Lockout(t *testing.T) {
	ctx := context.Background()

	t.Run("locks after the configured failures", func(t *testing.T) {
		f := setupManager(t)
		account := f.createAccount(t, "alice", "correct horse", nil)

		// Two failures stay under the threshold of three.
		for i := 0; i < 2; i++ {
			_, _, err := f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
		}
		got, err := f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.FailedLoginCount)
		assert.Nil(t, got.LockedUntil)

		// The third locks.
		_, _, err = f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
		require.Error(t, err)
		got, err = f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LockedUntil)

		// Even the right password is rejected while locked.
		_, _, err = f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindAccountLocked, apperr.KindOf(err))
	})

	t.Run("success resets the counter", func(t *testing.T) {
		f := setupManager(t)
		account := f.createAccount(t, "alice", "correct horse", nil)

		_, _, err := f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
		require.Error(t, err)

		_, _, err = f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)

		got, err := f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Zero(t, got.FailedLoginCount)
		assert.Nil(t, got.FirstFailedLoginAt)
	})

	t.Run("failures outside the window restart the count", func(t *testing.T) {
		f := setupManager(t)
		account := f.createAccount(t, "alice", "correct horse", nil)

		_, _, err := f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
		require.Error(t, err)
		_, _, err = f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
		require.Error(t, err)

		// Jump past the rolling window; the next failure starts at one.
		f.manager.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
		_, _, err = f.manager.Login(ctx, "alice", "wrong", "203.0.113.7", "")
		require.Error(t, err)

		got, err := f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailedLoginCount)
		assert.Nil(t, got.LockedUntil)
	})
}

func TestManager_TOTPFlow(t *testing.T) {
	ctx := context.Background()

	setupEnrolled := func(t *testing.T) (*managerFixture, *models.Account, string) {
		f := setupManager(t)
		secret, _, err := secrets.GenerateTOTPSecret("zonegate", "alice")
		require.NoError(t, err)
		account := f.createAccount(t, "alice", "correct horse", func(a *models.Account) {
			a.TOTPEnabled = true
			a.TOTPSecret = &secret
		})
		return f, account, secret
	}

	t.Run("login lands in totp_required and a code advances it", func(t *testing.T) {
		f, _, secret := setupEnrolled(t)

		sess, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)
		require.Equal(t, models.SessionStateTOTPRequired, sess.State)

		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, f.manager.VerifyTOTP(ctx, sess, code))
		assert.Equal(t, models.SessionStateActive, sess.State)

		stored, err := f.sessions.GetByID(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateActive, stored.State)
	})

	t.Run("wrong code counts toward lockout", func(t *testing.T) {
		f, account, _ := setupEnrolled(t)

		sess, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)

		err = f.manager.VerifyTOTP(ctx, sess, "000000")
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))

		got, err := f.accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailedLoginCount)
	})

	t.Run("verify on a non totp session is malformed", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "dave", "pw12345678", nil)

		sess, _, err := f.manager.Login(ctx, "dave", "pw12345678", "203.0.113.7", "")
		require.NoError(t, err)

		err = f.manager.VerifyTOTP(ctx, sess, "123456")
		require.Error(t, err)
		assert.Equal(t, apperr.KindMalformed, apperr.KindOf(err))
	})

	t.Run("recovery code is single use", func(t *testing.T) {
		f, account, _ := setupEnrolled(t)
		codes, hashes, err := f.hasher.GenerateRecoveryCodes(2)
		require.NoError(t, err)
		account.RecoveryCodeHashes = models.StringSet(hashes)
		require.NoError(t, f.accounts.Update(ctx, account))

		sess, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)

		remaining, err := f.manager.ConsumeRecoveryCode(ctx, sess, codes[0])
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)
		assert.Equal(t, models.SessionStateActive, sess.State)

		// A second session cannot replay the consumed code.
		sess2, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)
		_, err = f.manager.ConsumeRecoveryCode(ctx, sess2, codes[0])
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))

		remaining, err = f.manager.ConsumeRecoveryCode(ctx, sess2, codes[1])
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})
}

func TestManager_ChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("completes the forced change gate", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "carol", "oldpassword", func(a *models.Account) { a.MustChangePassword = true })

		sess, _, err := f.manager.Login(ctx, "carol", "oldpassword", "203.0.113.7", "")
		require.NoError(t, err)
		require.Equal(t, models.SessionStatePasswordChangeRequired, sess.State)

		require.NoError(t, f.manager.ChangePassword(ctx, sess, "oldpassword", "newpassword"))
		assert.Equal(t, models.SessionStateActive, sess.State)

		// Old password no longer works, new one does.
		_, _, err = f.manager.Login(ctx, "carol", "oldpassword", "203.0.113.7", "")
		require.Error(t, err)
		_, _, err = f.manager.Login(ctx, "carol", "newpassword", "203.0.113.7", "")
		require.NoError(t, err)
	})

	t.Run("wrong current password", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "carol", "oldpassword", nil)
		sess, _, err := f.manager.Login(ctx, "carol", "oldpassword", "203.0.113.7", "")
		require.NoError(t, err)

		err = f.manager.ChangePassword(ctx, sess, "wrong", "newpassword")
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})

	t.Run("short new password", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "carol", "oldpassword", nil)
		sess, _, err := f.manager.Login(ctx, "carol", "oldpassword", "203.0.113.7", "")
		require.NoError(t, err)

		err = f.manager.ChangePassword(ctx, sess, "oldpassword", "short")
		require.Error(t, err)
		assert.Equal(t, apperr.KindMalformed, apperr.KindOf(err))
	})

	t.Run("revokes the other sessions of the account", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "carol", "oldpassword", nil)

		other, _, err := f.manager.Login(ctx, "carol", "oldpassword", "198.51.100.9", "")
		require.NoError(t, err)
		sess, _, err := f.manager.Login(ctx, "carol", "oldpassword", "203.0.113.7", "")
		require.NoError(t, err)

		require.NoError(t, f.manager.ChangePassword(ctx, sess, "oldpassword", "newpassword"))

		stored, err := f.sessions.GetByID(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, stored.Revoked)

		stored, err = f.sessions.GetByID(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, stored.Revoked)
	})
}

func TestManager_CookieRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)
	f.createAccount(t, "alice", "correct horse", nil)

	sess, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	require.NoError(t, f.manager.IssueCookie(w, req, sess))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	t.Run("authenticate accepts the cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/account/realms", nil)
		req.AddCookie(cookies[0])

		got, account, err := f.manager.Authenticate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "alice", account.Username)
	})

	t.Run("tampered cookie is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/account/realms", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: cookies[0].Value + "x"})

		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})

	t.Run("missing cookie is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/account/realms", nil)
		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})

	t.Run("revoked session is rejected", func(t *testing.T) {
		require.NoError(t, f.manager.Logout(ctx, sess))

		req := httptest.NewRequest(http.MethodGet, "/account/realms", nil)
		req.AddCookie(cookies[0])
		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})
}

func TestManager_Timeouts(t *testing.T) {
	ctx := context.Background()

	issue := func(t *testing.T, f *managerFixture) (*models.Session, *http.Cookie) {
		t.Helper()
		sess, _, err := f.manager.Login(ctx, "alice", "correct horse", "203.0.113.7", "")
		require.NoError(t, err)
		w := httptest.NewRecorder()
		require.NoError(t, f.manager.IssueCookie(w, httptest.NewRequest(http.MethodPost, "/", nil), sess))
		return sess, w.Result().Cookies()[0]
	}

	t.Run("idle timeout", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "alice", "correct horse", nil)
		_, cookie := issue(t, f)

		f.manager.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidToken, apperr.KindOf(err))
	})

	t.Run("activity extends the idle window but not the absolute bound", func(t *testing.T) {
		f := setupManager(t)
		f.createAccount(t, "alice", "correct horse", nil)
		_, cookie := issue(t, f)

		// Touch every 20 minutes; the session stays alive.
		for i := 1; i <= 3; i++ {
			f.manager.now = func() time.Time { return time.Now().Add(time.Duration(i) * 20 * time.Minute) }
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(cookie)
			_, _, err := f.manager.Authenticate(ctx, req)
			require.NoError(t, err)
		}

		// Past the absolute lifetime no amount of activity helps.
		f.manager.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
	})

	t.Run("disabled account invalidates live sessions", func(t *testing.T) {
		f := setupManager(t)
		account := f.createAccount(t, "alice", "correct horse", nil)
		_, cookie := issue(t, f)

		account.IsActive = false
		require.NoError(t, f.accounts.Update(ctx, account))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		_, _, err := f.manager.Authenticate(ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.KindAccountDisabled, apperr.KindOf(err))
	})
}

func TestManager_CheckCSRF(t *testing.T) {
	f := setupManager(t)
	sess := &models.Session{ID: "s", CSRFToken: "tok"}

	assert.NoError(t, f.manager.CheckCSRF(sess, "tok"))
	assert.Error(t, f.manager.CheckCSRF(sess, ""))
	assert.Error(t, f.manager.CheckCSRF(sess, "other"))
}

func TestManager_CookieSecure(t *testing.T) {
	f := setupManager(t)

	t.Run("auto follows the forwarded proto", func(t *testing.T) {
		plain := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.False(t, f.manager.cookieSecure(plain))

		proxied := httptest.NewRequest(http.MethodGet, "/", nil)
		proxied.Header.Set("X-Forwarded-Proto", "https")
		assert.True(t, f.manager.cookieSecure(proxied))
	})

	t.Run("explicit override wins", func(t *testing.T) {
		f.manager.cfg.CookieSecure = "true"
		plain := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.True(t, f.manager.cookieSecure(plain))
		f.manager.cfg.CookieSecure = "auto"
	})
}
