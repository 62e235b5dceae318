package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
)

// ===========================
// Daemon Registration
// ===========================

var (
	premiumSweepRunning int32
	cacheJanitorRunning int32
)

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogEntitlement, StartPremiumSweep)
		RegisterDaemon(LogJanitor, StartCacheJanitor)
	})
}

// ===========================
// Premium Sweep
// ===========================

// StartPremiumSweep starts the bulk entitlement expiry daemon. Lazy checks
// in IsPremiumUser already downgrade on read; the sweep catches users who
// never come back. Both paths are idempotent, so overlap is harmless.
func StartPremiumSweep(ctx context.Context) (bool, func(), func()) {
	if !atomic.CompareAndSwapInt32(&premiumSweepRunning, 0, 1) {
		return false, nil, nil
	}

	interval := time.Hour
	if GlobalConfig != nil && GlobalConfig.SweepInterval > 0 {
		interval = GlobalConfig.SweepInterval
	}

	return true, func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					sweepExpiredPremium(ctx)
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			LogEntitlement("Shutting down Premium Sweep...")
		}
}

func sweepExpiredPremium(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	revoked, err := RevokeExpiredPremium(ctx)
	if err != nil {
		LogEntitlement("Sweep failed: %v", err)
		return
	}
	if revoked > 0 {
		LogEntitlement("Sweep revoked %d expired subscription(s)", revoked)
	}
}

// ===========================
// Cache Janitor
// ===========================

// StartCacheJanitor starts the media cache cleanup daemon. Downloaded
// files older than the retention window are removed unless a queue entry
// still references them.
func StartCacheJanitor(ctx context.Context) (bool, func(), func()) {
	if !atomic.CompareAndSwapInt32(&cacheJanitorRunning, 0, 1) {
		return false, nil, nil
	}

	if GlobalConfig != nil && GlobalConfig.CacheDir != "" {
		if err := os.MkdirAll(GlobalConfig.CacheDir, 0755); err != nil {
			LogJanitor("Failed to create cache dir: %v", err)
		}
	}

	return true, func() {
			ticker := time.NewTicker(15 * time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					sweepMediaCache()
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			LogJanitor("Shutting down Cache Janitor...")
		}
}

func sweepMediaCache() {
	if GlobalConfig == nil || GlobalConfig.CacheDir == "" {
		return
	}
	retention := 2 * time.Hour
	if GlobalConfig.CacheRetention > 0 {
		retention = GlobalConfig.CacheRetention
	}
	cutoff := time.Now().Add(-retention)

	entries, err := os.ReadDir(GlobalConfig.CacheDir)
	if err != nil {
		LogJanitor("Failed to read cache dir: %v", err)
		return
	}

	player := GetPlayer()
	removed := 0
	var reclaimed int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(GlobalConfig.CacheDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if player.HandleInUse(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			LogJanitor("Failed to remove %s: %v", path, err)
			continue
		}
		removed++
		reclaimed += info.Size()
	}
	if removed > 0 {
		LogJanitor("Reclaimed %d file(s), %d bytes", removed, reclaimed)
	}
}
