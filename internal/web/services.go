package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/acgh213/repairdesk/internal/audit"
	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/cache"
	"github.com/acgh213/repairdesk/internal/config"
	"github.com/acgh213/repairdesk/internal/ipguard"
	"github.com/acgh213/repairdesk/internal/jobs"
	"github.com/acgh213/repairdesk/internal/lockout"
	"github.com/acgh213/repairdesk/internal/ratelimit"
	"github.com/acgh213/repairdesk/internal/session"
	"github.com/acgh213/repairdesk/internal/store"
)

// Services is the security core wired to one set of stores. The server
// binary builds it once; tests build one per test with a fake clock.
type Services struct {
	Stores *store.Stores

	LoginLimiter ratelimit.Limiter
	APILimiter   ratelimit.Limiter
	IPGuard      *ipguard.Guard
	Lockout      *lockout.Manager
	Sessions     *session.Manager
	Auth         *auth.Authenticator
	Audit        *audit.Logger
	Sweeper      *jobs.Sweeper

	now     func() time.Time
	log     *slog.Logger
	closers []func()
}

// NewServices builds the caches and managers described by cfg. now may be
// nil. Call Close to stop the cache sweepers.
func NewServices(cfg *config.Config, stores *store.Stores, now func() time.Time, log *slog.Logger) *Services {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Services{Stores: stores, now: now, log: log}

	// One flag cache holds both blocked_ip: and user_locked: mirrors.
	flags := cache.New[bool](now, cfg.CacheSweepInterval)
	attempts := cache.New[ipguard.Attempts](now, cfg.CacheSweepInterval)
	windows := cache.New[ratelimit.Window](now, cfg.CacheSweepInterval)
	mirror := cache.New[uuid.UUID](now, cfg.CacheSweepInterval)
	s.closers = append(s.closers, flags.Close, attempts.Close, windows.Close, mirror.Close)

	fixed := ratelimit.NewFixedWindow(windows, now)
	s.LoginLimiter = fixed
	s.APILimiter = fixed
	if cfg.APIRateAlgorithm == config.RateToken {
		buckets := cache.New[*rate.Limiter](now, cfg.CacheSweepInterval)
		s.closers = append(s.closers, buckets.Close)
		s.APILimiter = ratelimit.NewTokenBucket(buckets, now)
	}

	guardCfg := ipguard.DefaultConfig()
	guardCfg.Threshold = cfg.IPBlockThreshold
	guardCfg.AttemptWindow = cfg.IPAttemptWindow
	guardCfg.BlockDuration = cfg.IPBlockDuration
	guardCfg.FailClosed = cfg.FailsClosed()
	guardCfg.Now = now
	guardCfg.Logger = log.With("component", "ipguard")
	s.IPGuard = ipguard.New(stores.IPBlocks, flags, attempts, guardCfg)

	lockCfg := lockout.DefaultConfig()
	lockCfg.Threshold = cfg.AccountLockThreshold
	lockCfg.AttemptWindow = cfg.AccountAttemptWindow
	lockCfg.FailClosed = cfg.FailsClosed()
	lockCfg.Now = now
	lockCfg.Logger = log.With("component", "lockout")
	s.Lockout = lockout.New(stores.Users, flags, lockCfg)

	sessCfg := session.DefaultConfig()
	sessCfg.ShortTTL = cfg.SessionShortTTL
	sessCfg.LongTTL = cfg.SessionLongTTL
	sessCfg.Mode = session.TierMode(cfg.SessionTierMode)
	sessCfg.Now = now
	sessCfg.Logger = log.With("component", "session")
	s.Sessions = session.New(stores.Sessions, mirror, sessCfg)

	s.Auth = auth.NewAuthenticator(s.Sessions, stores.Users, !cfg.IsDevelopment(), log.With("component", "auth"))
	s.Audit = audit.NewLogger(stores.Audit, now, log.With("component", "audit"))

	s.Sweeper = jobs.NewSweeper(cfg.CleanupInterval, log.With("component", "jobs"),
		jobs.Task{Name: "expired_ip_blocks", Run: s.IPGuard.CleanExpiredBlockedIPs},
		jobs.Task{Name: "expired_sessions", Run: s.Sessions.CleanExpiredSessions},
	)
	return s
}

// RunCleanup runs the periodic cleanup jobs until ctx is done.
func (s *Services) RunCleanup(ctx context.Context) {
	s.Sweeper.RunOnce(ctx)
	s.Sweeper.Run(ctx)
}

func (s *Services) Close() {
	for _, c := range s.closers {
		c()
	}
}
