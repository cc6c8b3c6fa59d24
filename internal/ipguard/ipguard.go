// Package ipguard tracks failed logins per client IP and blocks addresses
// that cross a threshold.
//
// Attempt counters live only in the cache. Blocks are stored durably and
// mirrored into the cache as a boolean flag. The durable record is the
// source of truth: a mirror miss always falls through to the store, and the
// query filters on expires_at so an expired block is never enforced.
//
// If the store cannot be reached while checking a block, the guard follows
// its fail policy. By default it fails open and lets the request through.
package ipguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acgh213/repairdesk/internal/cache"
	"github.com/acgh213/repairdesk/internal/store"
)

type Config struct {
	Threshold     int           // failures within AttemptWindow that trigger a block
	AttemptWindow time.Duration // fixed tracking window for the attempt counter
	BlockDuration time.Duration
	MirrorTTL     time.Duration // lifetime of a flag cached on the read path

	// FailClosed treats an IP as blocked when the store cannot answer.
	FailClosed bool

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:     10,
		AttemptWindow: 15 * time.Minute,
		BlockDuration: 10 * time.Minute,
		MirrorTTL:     time.Minute,
	}
}

// Attempts is the failure counter of one IP.
type Attempts struct {
	Count int
	Start time.Time
}

// BlockedError is returned by Check for a blocked address.
type BlockedError struct {
	IP        string
	ExpiresAt time.Time
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("ip %s is blocked until %s", e.IP, e.ExpiresAt.Format(time.RFC3339))
}

// BlockedIP is a stored block annotated with the time it has left.
type BlockedIP struct {
	store.IPBlock
	Remaining time.Duration
}

type Guard struct {
	blocks   store.IPBlocks
	flags    *cache.Cache[bool]
	attempts *cache.Cache[Attempts]
	cfg      Config
	now      func() time.Time
	log      *slog.Logger

	loads singleflight.Group
}

// New creates a guard. flags may be shared with other components; keys are
// prefixed with blocked_ip:.
func New(blocks store.IPBlocks, flags *cache.Cache[bool], attempts *cache.Cache[Attempts], cfg Config) *Guard {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		blocks:   blocks,
		flags:    flags,
		attempts: attempts,
		cfg:      cfg,
		now:      now,
		log:      log,
	}
}

func blockedKey(ip string) string  { return "blocked_ip:" + ip }
func attemptsKey(ip string) string { return "ip_attempts:" + ip }

// IsIPBlocked reports whether ip is currently blocked.
func (g *Guard) IsIPBlocked(ctx context.Context, ip string) bool {
	if blocked, ok := g.flags.Get(blockedKey(ip)); ok {
		return blocked
	}

	// The load is shared by every concurrent caller, so one caller going
	// away must not cancel it. Its result only fills an empty mirror; a
	// BlockIP or UnblockIP that ran meanwhile is newer.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := g.loads.Do(ip, func() (any, error) {
		now := g.now()
		b, err := g.blocks.GetActive(loadCtx, ip, now)
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.flags.Add(blockedKey(ip), false, g.cfg.MirrorTTL)
			return false, nil
		case err != nil:
			return false, err
		}
		g.flags.Add(blockedKey(ip), true, min(g.cfg.MirrorTTL, b.ExpiresAt.Sub(now)))
		return true, nil
	})
	if err != nil {
		g.log.Error("ip block lookup failed", "ip", ip, "fail_closed", g.cfg.FailClosed, "error", err)
		return g.cfg.FailClosed
	}
	return v.(bool)
}

// Check returns a *BlockedError when ip is blocked.
func (g *Guard) Check(ctx context.Context, ip string) error {
	if !g.IsIPBlocked(ctx, ip) {
		return nil
	}
	now := g.now()
	expiresAt := now.Add(g.cfg.BlockDuration)
	if b, err := g.blocks.GetActive(ctx, ip, now); err == nil {
		expiresAt = b.ExpiresAt
	} else if ttl, ok := g.flags.TTL(blockedKey(ip)); ok {
		expiresAt = now.Add(ttl)
	}
	return &BlockedError{IP: ip, ExpiresAt: expiresAt}
}

// RecordFailedIPAttempt counts a failed login from ip. It returns true when
// this attempt caused the IP to be blocked; the counter is cleared then.
func (g *Guard) RecordFailedIPAttempt(ctx context.Context, ip string) bool {
	now := g.now()
	a := g.attempts.Update(attemptsKey(ip), func(cur Attempts, ok bool) (Attempts, time.Duration) {
		if !ok || now.Sub(cur.Start) >= g.cfg.AttemptWindow {
			cur = Attempts{Count: 1, Start: now}
		} else {
			cur.Count++
		}
		if cur.Count >= g.cfg.Threshold {
			return cur, 0
		}
		return cur, cur.Start.Add(g.cfg.AttemptWindow).Sub(now)
	})
	if a.Count < g.cfg.Threshold {
		return false
	}

	reason := fmt.Sprintf("%d failed login attempts within %s", a.Count, g.cfg.AttemptWindow)
	g.BlockIP(ctx, ip, reason, a.Count)
	return true
}

// BlockIP blocks ip for the configured duration. The cache flag is set even
// when the durable write fails, so this process keeps enforcing the block
// until the flag expires; the return value reports whether the block was
// persisted.
func (g *Guard) BlockIP(ctx context.Context, ip, reason string, failedCount int) bool {
	now := g.now()
	b := &store.IPBlock{
		IP:          ip,
		Reason:      reason,
		FailedCount: failedCount,
		BlockedAt:   now,
		ExpiresAt:   now.Add(g.cfg.BlockDuration),
	}
	g.flags.Set(blockedKey(ip), true, g.cfg.BlockDuration)

	if err := g.blocks.Upsert(ctx, b); err != nil {
		g.log.Error("failed to persist ip block", "ip", ip, "error", err)
		return false
	}
	g.log.Warn("ip blocked", "ip", ip, "failed_count", failedCount, "expires_at", b.ExpiresAt)
	return true
}

// UnblockIP removes the block on ip and forgets its attempt counter. It
// returns false if there was no stored block or the delete failed.
func (g *Guard) UnblockIP(ctx context.Context, ip string) bool {
	return g.Unblock(ctx, ip) == nil
}

// Unblock is UnblockIP reporting why it failed: store.ErrNotFound when ip
// had no stored block, or the store error.
func (g *Guard) Unblock(ctx context.Context, ip string) error {
	g.attempts.Delete(attemptsKey(ip))
	err := g.blocks.Delete(ctx, ip)
	g.settleUnblocked(ip, err)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.log.Error("failed to delete ip block", "ip", ip, "error", err)
	}
	return err
}

// UnblockIPByID is UnblockIP keyed by the block's ID.
func (g *Guard) UnblockIPByID(ctx context.Context, id uuid.UUID) bool {
	_, err := g.UnblockByID(ctx, id)
	return err == nil
}

// UnblockByID removes the block with the given ID and returns its address.
func (g *Guard) UnblockByID(ctx context.Context, id uuid.UUID) (string, error) {
	ip, err := g.blocks.DeleteByID(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Error("failed to delete ip block", "block_id", id, "error", err)
		}
		return "", err
	}
	g.attempts.Delete(attemptsKey(ip))
	g.settleUnblocked(ip, nil)
	return ip, nil
}

// settleUnblocked records the outcome of a delete in the mirror. After a
// failed delete the durable state is unknown, so the next check reloads it.
func (g *Guard) settleUnblocked(ip string, err error) {
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.flags.Delete(blockedKey(ip))
		return
	}
	g.flags.Set(blockedKey(ip), false, g.cfg.MirrorTTL)
}

// ResetIPAttempts clears the failure counter after a successful login.
func (g *Guard) ResetIPAttempts(ip string) {
	g.attempts.Delete(attemptsKey(ip))
}

// FailedAttempts returns the live failure count for ip.
func (g *Guard) FailedAttempts(ip string) int {
	a, ok := g.attempts.Get(attemptsKey(ip))
	if !ok {
		return 0
	}
	return a.Count
}

// GetBlockedIPs lists stored blocks, newest first. Blocks that have expired
// but not been cleaned up yet are included with zero Remaining.
func (g *Guard) GetBlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	blocks, err := g.blocks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ip blocks: %w", err)
	}
	now := g.now()
	out := make([]BlockedIP, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockedIP{IPBlock: b, Remaining: max(b.ExpiresAt.Sub(now), 0)})
	}
	return out, nil
}

// CleanExpiredBlockedIPs deletes stored blocks whose expiry has passed.
func (g *Guard) CleanExpiredBlockedIPs(ctx context.Context) (int64, error) {
	n, err := g.blocks.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("clean expired ip blocks: %w", err)
	}
	return n, nil
}
