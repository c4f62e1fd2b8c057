package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type leaseRecord struct {
	Name      string    `gorm:"primaryKey;column:name"`
	Holder    string    `gorm:"column:holder"`
	RenewedAt time.Time `gorm:"column:renewed_at"`
}

func (leaseRecord) TableName() string { return "relay_leases" }

// LeaderElector elects one replica to run singleton background loops, such
// as request retention and stale task recovery, using a lease row in the
// shared database.
type LeaderElector struct {
	config   *HAConfig
	db       *gorm.DB
	identity string
	logger   *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a LeaderElector. identity must be unique per
// replica.
func NewLeaderElector(cfg *HAConfig, db *gorm.DB, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{config: cfg, db: db, identity: identity, logger: logger}
}

// OnStartLeading registers a callback invoked when this instance becomes
// leader. Its context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses
// leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader reports whether this instance currently leads.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run competes for the lease until ctx is cancelled. With leader election
// disabled the instance leads immediately.
func (le *LeaderElector) Run(ctx context.Context) error {
	if !le.config.LeaderElectionEnabled {
		le.startLeading(ctx)
		<-ctx.Done()
		le.stopLeading()
		return nil
	}
	if err := le.db.WithContext(ctx).AutoMigrate(&leaseRecord{}); err != nil {
		return fmt.Errorf("migrate lease table: %w", err)
	}
	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"leaseDuration", le.config.LeaseDuration,
		"retryPeriod", le.config.RetryPeriod)

	var (
		cancelLead context.CancelFunc
		lastRenew  time.Time
	)
	ticker := time.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()
	for {
		held, err := le.tryAcquireOrRenew(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			le.logger.Warn("lease renewal failed", "lease", le.config.LeaseName, "error", err)
			if cancelLead != nil && time.Since(lastRenew) > le.config.RenewDeadline {
				cancelLead()
				cancelLead = nil
				le.stopLeading()
			}
		case held && cancelLead == nil:
			lastRenew = time.Now()
			var leadCtx context.Context
			leadCtx, cancelLead = context.WithCancel(ctx)
			le.startLeading(leadCtx)
		case held:
			lastRenew = time.Now()
		case cancelLead != nil:
			cancelLead()
			cancelLead = nil
			le.stopLeading()
		}

		select {
		case <-ctx.Done():
			if cancelLead != nil {
				cancelLead()
				le.stopLeading()
				le.release()
			}
			return nil
		case <-ticker.C:
		}
	}
}

// tryAcquireOrRenew takes the lease when it is free or expired, or renews
// it when this instance already holds it.
func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) (bool, error) {
	db := le.db.WithContext(ctx)
	seed := leaseRecord{Name: le.config.LeaseName}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return false, err
	}
	now := time.Now()
	res := db.Model(&leaseRecord{}).
		Where("name = ? AND (holder = ? OR holder = '' OR renewed_at < ?)",
			le.config.LeaseName, le.identity, now.Add(-le.config.LeaseDuration)).
		Updates(map[string]any{"holder": le.identity, "renewed_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (le *LeaderElector) release() {
	le.db.Model(&leaseRecord{}).
		Where("name = ? AND holder = ?", le.config.LeaseName, le.identity).
		Update("holder", "")
}

func (le *LeaderElector) startLeading(ctx context.Context) {
	le.mu.Lock()
	le.isLeader = true
	le.mu.Unlock()
	le.logger.Info("elected as leader", "identity", le.identity)
	if le.onStart != nil {
		go le.onStart(ctx)
	}
}

func (le *LeaderElector) stopLeading() {
	le.mu.Lock()
	le.isLeader = false
	le.mu.Unlock()
	le.logger.Info("lost leadership", "identity", le.identity)
	if le.onStop != nil {
		le.onStop()
	}
}
