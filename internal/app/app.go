// Package app assembles the AlarmVault components from configuration and
// runs their background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/alarmvault/internal/access"
	"github.com/good-yellow-bee/alarmvault/internal/api"
	"github.com/good-yellow-bee/alarmvault/internal/api/health"
	"github.com/good-yellow-bee/alarmvault/internal/backup"
	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/integrity"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/monitoring"
	"github.com/good-yellow-bee/alarmvault/internal/notifier"
	"github.com/good-yellow-bee/alarmvault/internal/orchestrator"
	"github.com/good-yellow-bee/alarmvault/internal/ratelimit"
	"github.com/good-yellow-bee/alarmvault/internal/security"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
	"github.com/good-yellow-bee/alarmvault/internal/vault"
	"github.com/good-yellow-bee/alarmvault/pkg/config"
)

const (
	sweepInterval     = time.Minute
	lossCheckInterval = 5 * time.Second
)

// App holds the wired components.
type App struct {
	cfg *config.Config

	DB           *storage.SQLiteStorage
	Bus          *events.Bus
	Keys         *security.Keyring
	Store        *vault.Store
	Access       *access.Controller
	Limiter      *ratelimit.Limiter
	Backups      *backup.Manager
	Integrity    *integrity.Monitor
	Monitor      *monitoring.Monitor
	Orchestrator *orchestrator.Orchestrator
	Notifier     *notifier.Dispatcher
	API          *api.Server

	metrics *metrics.Server
}

// New opens storage and builds every component. Close releases them.
func New(cfg *config.Config) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	a.DB = storage.NewSQLiteStorage(cfg.Database.Path)
	if err := a.DB.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := a.DB.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	log.Printf("app: database initialized at %s", cfg.Database.Path)

	a.Keys, err = security.NewKeyring([]byte(cfg.Secrets.MasterKey))
	if err != nil {
		return nil, err
	}
	a.Bus = events.NewBus(a.DB.Events())
	a.Store = vault.New(a.DB.Records(), a.Keys, a.Bus)

	secret := []byte(cfg.Secrets.JWTSecret)
	if len(secret) == 0 {
		if secret, err = a.Keys.TokenKey(); err != nil {
			return nil, err
		}
	}
	a.Access, err = access.NewController(a.DB.Users(), secret, a.Bus, access.Config{
		SessionTTL:       cfg.Security.SessionTTL,
		LockoutThreshold: cfg.Security.LockoutThreshold,
		LockoutDuration:  cfg.Security.LockoutDuration,
		BcryptCost:       cfg.Security.BcryptCost,
	})
	if err != nil {
		return nil, err
	}

	a.Limiter = ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		Limits:      cfg.RateLimit.RoleLimits(),
		BaseLockout: cfg.RateLimit.BaseLockout,
		MaxLockout:  cfg.RateLimit.MaxLockout,
		GlobalRPS:   cfg.RateLimit.GlobalRPS,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
		MaxBypass:   cfg.RateLimit.MaxBypass,
	}, a.Bus)

	if a.Backups, err = a.buildBackups(); err != nil {
		return nil, err
	}
	a.Integrity = integrity.New(a.Store, a.Backups, a.Bus, cfg.Integrity.Interval)

	var sigs []*monitoring.ThreatSignature
	if cfg.Monitoring.SignaturesFile != "" {
		if sigs, err = monitoring.LoadSignaturesFromFile(cfg.Monitoring.SignaturesFile); err != nil {
			return nil, fmt.Errorf("load signatures: %w", err)
		}
	}
	a.Monitor, err = monitoring.New(a.DB.Events(), a.DB.Alerts(), a.Bus, a.Access, sigs, monitoring.Options{
		AlertTTL: cfg.Monitoring.AlertTTL,
	})
	if err != nil {
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Components{
		Store:     a.Store,
		Access:    a.Access,
		Limiter:   a.Limiter,
		Integrity: a.Integrity,
		Backups:   a.Backups,
		Monitor:   a.Monitor,
		Events:    a.Bus,
	}, orchestrator.Config{OperationTimeout: cfg.Security.OperationTimeout})
	if err != nil {
		return nil, err
	}

	if a.Notifier, err = buildNotifier(cfg.Notify); err != nil {
		return nil, err
	}

	if a.API, err = a.buildAPI(); err != nil {
		return nil, err
	}
	if cfg.Server.MetricsAddress != "" {
		a.metrics = metrics.NewServer(cfg.Server.MetricsAddress)
	}
	return a, nil
}

// buildBackups writes every snapshot to the database and to a directory.
// The directory defaults to "backups" next to the database file.
func (a *App) buildBackups() (*backup.Manager, error) {
	dir := a.cfg.Backup.Directory
	if dir == "" {
		dir = filepath.Join(filepath.Dir(a.cfg.Database.Path), "backups")
	}
	files, err := backup.NewFileLocation("file", dir)
	if err != nil {
		return nil, fmt.Errorf("backup location: %w", err)
	}
	return backup.New(a.Store, a.Keys, []backup.Location{
		backup.NewRepositoryLocation("sqlite", a.DB.Snapshots()),
		files,
	}, a.Bus, backup.Config{
		Interval:  a.cfg.Backup.Interval,
		Retention: a.cfg.Backup.Retention,
	})
}

func buildNotifier(cfg config.NotifyConfig) (*notifier.Dispatcher, error) {
	d := notifier.NewDispatcher(models.Severity(cfg.MinSeverity), notifier.RateLimitConfig{
		MaxPerWindow: cfg.MaxPerWindow,
		Window:       cfg.Window,
	})
	if cfg.SlackWebhook != "" {
		n, err := notifier.NewSlackNotifier(notifier.SlackConfig{WebhookURL: cfg.SlackWebhook})
		if err != nil {
			return nil, err
		}
		d.Register(n)
	}
	if cfg.TeamsWebhook != "" {
		n, err := notifier.NewTeamsNotifier(notifier.TeamsConfig{WebhookURL: cfg.TeamsWebhook})
		if err != nil {
			return nil, err
		}
		d.Register(n)
	}
	return d, nil
}

func (a *App) buildAPI() (*api.Server, error) {
	apiCfg := &api.Config{
		Address:         a.cfg.Server.HTTPAddress,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		LoginRatePerIP:  a.cfg.Server.LoginRatePerIP,
		Verbose:         a.cfg.Verbose,
	}
	if tc := a.cfg.Server.TLS; tc.Enabled {
		apiCfg.TLS = &security.ServerTLSConfig{
			CertFile:     tc.CertFile,
			KeyFile:      tc.KeyFile,
			ClientCAFile: tc.ClientCAFile,
		}
	}
	srv, err := api.New(apiCfg, api.Services{
		Orchestrator: a.Orchestrator,
		Access:       a.Access,
		Monitor:      a.Monitor,
		Backups:      a.Backups,
	})
	if err != nil {
		return nil, err
	}

	srv.RegisterHealthChecker(health.NewSQLiteChecker(a.DB.DB()))
	srv.RegisterHealthChecker(health.NewRunningChecker("integrity", a.Integrity.Running))
	srv.RegisterHealthChecker(health.NewRunningChecker("backup", a.Backups.Running))
	srv.RegisterHealthChecker(health.NewFuncChecker("backup_locations", func(ctx context.Context) error {
		var errs []error
		for _, loc := range a.Backups.Status(ctx).Locations {
			if !loc.Healthy {
				errs = append(errs, fmt.Errorf("%s: %s", loc.Name, loc.Error))
			}
		}
		return errors.Join(errs...)
	}))
	return srv, nil
}

// Run starts the schedulers, the event and alert pipelines and the HTTP
// servers, and blocks until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before anything can emit so the monitor sees every event.
	sub := a.Bus.SubscribeQueue(events.DefaultMaxBacklog)
	defer sub.Close()

	g.Go(func() error {
		a.Monitor.Run(gctx, sub.C())
		return nil
	})
	g.Go(func() error {
		a.Monitor.WatchLoss(gctx, sub, lossCheckInterval)
		return nil
	})
	g.Go(func() error {
		a.Notifier.Run(gctx, a.Monitor.AlertChannel())
		return nil
	})
	g.Go(func() error {
		a.Access.Run(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		a.Limiter.Run(gctx, sweepInterval)
		return nil
	})
	if path := a.cfg.Monitoring.SignaturesFile; path != "" && a.cfg.Monitoring.Watch {
		g.Go(func() error {
			if err := monitoring.WatchSignatures(gctx, path, a.Monitor); err != nil {
				log.Printf("app: signature watch stopped: %v", err)
			}
			return nil
		})
	}
	if a.metrics != nil {
		g.Go(a.metrics.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.metrics.Shutdown(shutdownCtx)
		})
	}

	a.Orchestrator.Start(gctx)
	defer a.Orchestrator.Stop()

	g.Go(func() error {
		return a.API.Run(gctx)
	})

	log.Printf("app: alarmvault %s running, api on %s", config.Version, a.API.Address())
	err := g.Wait()
	log.Printf("app: stopped")
	return err
}

// Close releases resources in reverse dependency order.
func (a *App) Close() error {
	var errs []error
	if a.Monitor != nil {
		a.Monitor.Close()
	}
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
