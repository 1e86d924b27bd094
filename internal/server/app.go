// Package server wires the HTTP surface: the vendor-compatible DNS API
// pipeline, the interactive auth endpoints, and the admin CRUD surface.
package server

import (
	"context"
	"net"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/audit"
	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/config"
	"github.com/zonegate/zonegate/internal/notify"
	"github.com/zonegate/zonegate/internal/permission"
	"github.com/zonegate/zonegate/internal/repository"
	"github.com/zonegate/zonegate/internal/secrets"
	"github.com/zonegate/zonegate/internal/session"
)

// Application is the explicit dependency bundle constructed at startup and
// passed into handlers. No globals.
type Application struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *bun.DB

	Accounts  repository.AccountRepository
	Realms    repository.RealmRepository
	Tokens    repository.TokenRepository
	Backends  repository.BackendRepository
	Roots     repository.DomainRootRepository
	Audits    repository.AuditRepository
	SessStore repository.SessionRepository

	Registry *backend.Registry
	Engine   *permission.Engine
	Hasher   *secrets.Hasher
	TOTP     *secrets.TOTPVerifier
	Sessions *session.Manager
	Recorder *audit.Recorder
	Notifier *notify.Notifier
	Limiter  *RateLimiter
	Queue    *notify.Queue
}

// NewApplication builds the application from its configuration and an open
// database. mirror may be nil to disable the audit text mirror.
func NewApplication(cfg *config.Config, logger *zap.Logger, db *bun.DB, mirror *zap.Logger) (*Application, error) {
	hasher, err := secrets.NewHasher(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	registry := backend.NewRegistry(cfg.BackendDeadline)
	if err := registry.RegisterBuiltins(cfg.ProviderEnabled); err != nil {
		return nil, err
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		DB:     db,

		Accounts:  repository.NewBunAccountRepository(db),
		Realms:    repository.NewBunRealmRepository(db),
		Tokens:    repository.NewBunTokenRepository(db),
		Backends:  repository.NewBunBackendRepository(db),
		Roots:     repository.NewBunDomainRootRepository(db),
		Audits:    repository.NewBunAuditRepository(db),
		SessStore: repository.NewBunSessionRepository(db),

		Registry: registry,
		Engine:   permission.NewEngine(permission.NewOriginChecker(net.DefaultResolver)),
		Hasher:   hasher,
		TOTP:     secrets.NewTOTPVerifier(),
		Limiter:  NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerHour),
	}

	app.Sessions = session.NewManager(app.Accounts, app.SessStore, hasher, app.TOTP, cfg, logger)
	app.Recorder = audit.NewRecorder(app.Audits, mirror, logger)

	if cfg.SMTP.Enabled() {
		app.Queue = notify.NewQueue(notify.NewSMTPSender(cfg.SMTP), 2, cfg.SMTP.SendDelay, logger)
	}
	app.Notifier = notify.NewNotifier(app.Queue, app.adminEmails, logger)

	return app, nil
}

// adminEmails lists the delivery addresses for the admin notification
// channel, consulted at send time.
func (app *Application) adminEmails() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accounts, err := app.Accounts.List(ctx)
	if err != nil {
		app.Logger.Warn("list admin recipients", zap.Error(err))
		return nil
	}
	var out []string
	for _, a := range accounts {
		if a.IsAdmin && a.IsActive && a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

// Close releases background resources: the notification queue drains and
// stops.
func (app *Application) Close() {
	if app.Queue != nil {
		app.Queue.Close()
	}
}
