package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
	"github.com/zonegate/zonegate/internal/secrets"
)

// csrfHeader carries the CSRF token on interactive writes.
const csrfHeader = "X-CSRF-Token"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	State     string `json:"state"`
	CSRFToken string `json:"csrf_token"`
}

// handleLogin verifies a password and opens a session. The cookie is
// issued for every post-password state; the state field tells the UI
// which gate comes next.
func (app *Application) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}

	sess, account, err := app.Sessions.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		app.auditAuth(r, nil, "login", err)
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.IssueCookie(w, r, sess); err != nil {
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "login", nil)
	writeJSON(w, http.StatusOK, sessionResponse{State: sess.State, CSRFToken: sess.CSRFToken})
}

// handleLogout revokes the session.
func (app *Application) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, account, err := app.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.CheckCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.Logout(r.Context(), sess); err != nil {
		app.writeError(w, err)
		return
	}
	app.Sessions.ClearCookie(w, r)
	app.auditAuth(r, &account.ID, "logout", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type totpRequest struct {
	Code string `json:"code"`
}

// handleVerifyTOTP advances a totp_required session to active.
func (app *Application) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	sess, account, err := app.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.CheckCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
		app.writeError(w, err)
		return
	}
	var req totpRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.VerifyTOTP(r.Context(), sess, req.Code); err != nil {
		app.auditAuth(r, &account.ID, "totp_verify", err)
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "totp_verify", nil)
	writeJSON(w, http.StatusOK, sessionResponse{State: sess.State, CSRFToken: sess.CSRFToken})
}

// handleRecoveryCode advances a totp_required session using a one-time
// recovery code. Exhausting the last code raises a warning audit and an
// admin notification.
func (app *Application) handleRecoveryCode(w http.ResponseWriter, r *http.Request) {
	sess, account, err := app.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.CheckCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
		app.writeError(w, err)
		return
	}
	var req totpRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	remaining, err := app.Sessions.ConsumeRecoveryCode(r.Context(), sess, req.Code)
	if err != nil {
		app.auditAuth(r, &account.ID, "recovery_code", err)
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "recovery_code", nil)
	if remaining == 0 {
		app.auditWarning(r, &account.ID, "recovery_codes_exhausted")
		app.Notifier.NotifyAdmin("Recovery codes exhausted",
			"Account "+account.Username+" has used its last recovery code.")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           sess.State,
		"csrf_token":      sess.CSRFToken,
		"codes_remaining": remaining,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword is the only write allowed for sessions stuck in
// password_change_required.
func (app *Application) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess, account, err := app.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.CheckCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
		app.writeError(w, err)
		return
	}
	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if err := app.Sessions.ChangePassword(r.Context(), sess, req.CurrentPassword, req.NewPassword); err != nil {
		app.auditAuth(r, &account.ID, "password_change", err)
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "password_change", nil)
	writeJSON(w, http.StatusOK, sessionResponse{State: sess.State, CSRFToken: sess.CSRFToken})
}

// handleTOTPSetup starts 2FA enrollment: a fresh secret is stored pending
// and the provisioning URL returned. Enrollment completes in
// handleTOTPEnable once a valid code proves the authenticator works.
func (app *Application) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}

	secret, url, err := secrets.GenerateTOTPSecret("zonegate", account.Username)
	if err != nil {
		app.writeError(w, err)
		return
	}
	account.TOTPSecret = &secret
	account.TOTPEnabled = false
	if err := app.Accounts.Update(r.Context(), account); err != nil {
		app.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"otpauth_url": url, "secret": secret})
}

// handleTOTPEnable completes enrollment and issues the recovery codes,
// shown exactly once.
func (app *Application) handleTOTPEnable(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	var req totpRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if account.TOTPSecret == nil {
		app.writeError(w, apperr.Newf(apperr.KindMalformed, "no pending totp enrollment"))
		return
	}
	if !app.TOTP.Verify(*account.TOTPSecret, req.Code) {
		app.writeError(w, apperr.Newf(apperr.KindInvalidToken, "totp code rejected during enrollment"))
		return
	}

	codes, hashes, err := app.Hasher.GenerateRecoveryCodes(secrets.DefaultRecoveryCodes)
	if err != nil {
		app.writeError(w, err)
		return
	}
	account.TOTPEnabled = true
	account.RecoveryCodeHashes = hashes
	if err := app.Accounts.Update(r.Context(), account); err != nil {
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "totp_enable", nil)
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

// handleTOTPDisable turns 2FA off after a final code check.
func (app *Application) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	_, account, err := app.requireActiveSession(w, r)
	if err != nil {
		return
	}
	var req totpRequest
	if err := decodeBody(r, &req); err != nil {
		app.writeError(w, err)
		return
	}
	if !account.TOTPEnabled || account.TOTPSecret == nil || !app.TOTP.Verify(*account.TOTPSecret, req.Code) {
		app.writeError(w, apperr.Newf(apperr.KindInvalidToken, "totp code rejected"))
		return
	}
	account.TOTPEnabled = false
	account.TOTPSecret = nil
	account.RecoveryCodeHashes = nil
	if err := app.Accounts.Update(r.Context(), account); err != nil {
		app.writeError(w, err)
		return
	}
	app.auditAuth(r, &account.ID, "totp_disable", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireActiveSession gates interactive writes: fully authenticated
// session, CSRF token, and no pending password change.
func (app *Application) requireActiveSession(w http.ResponseWriter, r *http.Request) (*models.Session, *models.Account, error) {
	sess, account, err := app.Sessions.Authenticate(r.Context(), r)
	if err != nil {
		app.writeError(w, err)
		return nil, nil, err
	}
	if sess.State != models.SessionStateActive {
		err := apperr.Newf(apperr.KindInvalidToken, "session %s not fully authenticated", sess.ID)
		app.writeError(w, err)
		return nil, nil, err
	}
	if r.Method != http.MethodGet {
		if err := app.Sessions.CheckCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
			app.writeError(w, err)
			return nil, nil, err
		}
	}
	return sess, account, nil
}

// auditAuth writes the audit record of an interactive auth event.
func (app *Application) auditAuth(r *http.Request, accountID *int64, operation string, opErr error) {
	outcome := models.OutcomeSuccess
	var errorKind *string
	if opErr != nil {
		kind := string(apperr.KindOf(opErr))
		errorKind = &kind
		outcome = models.OutcomeDenied
		if apperr.KindOf(opErr) != apperr.KindInvalidToken && apperr.KindOf(opErr) != apperr.KindAccountLocked {
			outcome = models.OutcomeError
		}
	}
	app.Recorder.Record(r.Context(), &models.AuditRecord{
		AccountID: accountID,
		SourceIP:  clientIP(r),
		Operation: operation,
		Outcome:   outcome,
		ErrorKind: errorKind,
	})
}

// auditWarning writes a warning-style audit record.
func (app *Application) auditWarning(r *http.Request, accountID *int64, event string) {
	app.Recorder.Record(r.Context(), &models.AuditRecord{
		AccountID: accountID,
		SourceIP:  clientIP(r),
		Operation: event,
		Outcome:   models.OutcomeError,
		RecordDetails: models.JSONMap{
			"warning": true,
		},
	})
	app.Logger.Warn("security event", zap.String("event", event))
}
