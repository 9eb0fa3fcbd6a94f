package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/coinhost/afkd/internal/api"
	"github.com/coinhost/afkd/internal/app/afk"
	"github.com/coinhost/afkd/internal/app/ledger"
	"github.com/coinhost/afkd/internal/app/reaper"
	"github.com/coinhost/afkd/internal/app/settings"
	"github.com/coinhost/afkd/internal/domain"
	"github.com/coinhost/afkd/internal/infra/keylock"
	"github.com/coinhost/afkd/internal/infra/postgres"
	"github.com/coinhost/afkd/internal/infra/redislock"
	"github.com/coinhost/afkd/internal/infra/sqlite"
)

// Daemon holds the wired afkd services.
type Daemon struct {
	cfg      Config
	Store    domain.Store
	Locker   domain.Locker
	Ledger   *ledger.Service
	Settings *settings.Provider
	Sessions *afk.Manager
	Reaper   *reaper.Reaper
	closers  []func() error
}

// New opens the configured store and lock backend and wires the services.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.Store = store
	d.closers = append(d.closers, store.Close)

	if d.Locker, err = d.openLocker(ctx); err != nil {
		d.Close()
		return nil, err
	}

	defaults, err := cfg.AfkDefaults()
	if err != nil {
		d.Close()
		return nil, err
	}
	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		d.Close()
		return nil, err
	}
	reapCfg, err := cfg.ReaperConfig()
	if err != nil {
		d.Close()
		return nil, err
	}

	clock := domain.SystemClock{}
	d.Ledger = ledger.New(d.Store, clock)
	d.Settings = settings.NewProvider(d.Store, defaults)
	d.Sessions = afk.New(sessCfg, d.Store, d.Ledger, d.Settings, d.Locker, clock)
	d.Reaper = reaper.New(reapCfg, d.Store, d.Sessions, clock)

	if n, err := d.Sessions.SyncActiveGauge(ctx); err != nil {
		glog.Warningf("[daemon] seed active sessions gauge: %v", err)
	} else if n > 0 {
		glog.Infof("[daemon] %d afk session(s) open at startup", n)
	}
	return d, nil
}

// OpenStore opens the database named by cfg.Database.
func OpenStore(ctx context.Context, cfg Config) (domain.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		glog.Info("[daemon] store: postgres")
		return s, nil
	default:
		db, err := sqlite.Open(cfg.Database.Dir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		glog.Infof("[daemon] store: sqlite %s", db.Path())
		return db, nil
	}
}

func (d *Daemon) openLocker(ctx context.Context) (domain.Locker, error) {
	if d.cfg.Lock.Backend != "redis" {
		glog.Info("[daemon] user lock: in-process")
		return keylock.New(), nil
	}
	lockCfg, err := d.cfg.RedisLockConfig()
	if err != nil {
		return nil, err
	}
	client, err := redislock.Dial(ctx, d.cfg.Lock.RedisAddr, d.cfg.Lock.RedisPassword, d.cfg.Lock.RedisDB)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, client.Close)
	glog.Infof("[daemon] user lock: redis %s", d.cfg.Lock.RedisAddr)
	return redislock.New(client, lockCfg), nil
}

// Authenticator builds the token authenticator from cfg.Auth.
func (d *Daemon) Authenticator() (*api.Authenticator, error) {
	return NewAuthenticator(d.cfg)
}

// NewAuthenticator builds the token authenticator from cfg.Auth.
func NewAuthenticator(cfg Config) (*api.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is not set (config or AFKD_JWT_SECRET)")
	}
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return nil, err
	}
	return api.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, ttl)
}

// Handler assembles the HTTP API.
func (d *Daemon) Handler() (http.Handler, error) {
	auth, err := d.Authenticator()
	if err != nil {
		return nil, err
	}

	srv := api.NewServer(auth)
	if d.cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}
	if d.cfg.API.RateLimitRPS > 0 {
		srv.SetRateLimiter(api.NewUserLimiter(d.cfg.API.RateLimitRPS, d.cfg.API.RateLimitBurst))
	}

	hub := api.NewEarningsHub()
	d.Sessions.OnEarning(hub.Publish)

	srv.SetAfk(&api.AfkAPI{Sessions: d.Sessions})
	srv.SetCoins(&api.CoinsAPI{Ledger: d.Ledger})
	srv.SetAdmin(&api.AdminAPI{Settings: d.Settings, Ledger: d.Ledger})
	srv.SetEarningsHub(hub)

	srv.AddHealthStat("reaper", func() any { return d.Reaper.Stats() })
	if km, ok := d.Locker.(*keylock.Mutex); ok {
		srv.AddHealthStat("user_locks", func() any { return km.Len() })
	}
	return srv.Handler(), nil
}

// Serve runs the HTTP API and the idle reaper until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	h, err := d.Handler()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(d.cfg.API.Host, strconv.Itoa(d.cfg.API.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if d.cfg.Reaper.Enabled {
		go d.Reaper.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("[daemon] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	glog.Info("[daemon] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the store and lock backend.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
