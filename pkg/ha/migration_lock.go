package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

const migrationLockName = "relay-server-migration"

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker returns the locker suited to db's dialect: advisory
// locks on PostgreSQL, GET_LOCK on MySQL and a lock row elsewhere. holder
// is recorded on the lock row.
func NewMigrationLocker(db *gorm.DB, holder string) MigrationLocker {
	if db == nil {
		return noopLock{}
	}
	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(migrationLockName)))}
	case "mysql":
		return &mysqlNamedLock{db: db, timeout: 30 * time.Second}
	}
	if holder == "" {
		holder = defaultIdentity()
	}
	// The table must exist before the first concurrent WithLock.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &rowLock{db: db, holder: holder, retries: 30, interval: time.Second, staleAfter: 5 * time.Minute}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type pgAdvisoryLock struct {
	db  *gorm.DB
	key int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.key).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer l.db.Exec("SELECT pg_advisory_unlock(?)", l.key)
	return fn()
}

type mysqlNamedLock struct {
	db      *gorm.DB
	timeout time.Duration
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	var got *int
	err := l.db.WithContext(ctx).
		Raw("SELECT GET_LOCK(?, ?)", migrationLockName, int(l.timeout.Seconds())).
		Scan(&got).Error
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if got == nil || *got != 1 {
		return fmt.Errorf("acquire migration lock: timed out after %s", l.timeout)
	}
	defer l.db.Exec("SELECT RELEASE_LOCK(?)", migrationLockName)
	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "relay_migration_lock" }

// rowLock holds the lock while its row exists. Rows older than staleAfter
// are taken to belong to a crashed holder and removed.
type rowLock struct {
	db         *gorm.DB
	holder     string
	retries    int
	interval   time.Duration
	staleAfter time.Duration
}

func (l *rowLock) WithLock(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < l.retries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now(), LockedBy: l.holder}
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			defer l.db.Where("id = ?", migrationLockName).Delete(&migrationLockRecord{})
			return fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval):
		}
	}
	return fmt.Errorf("acquire migration lock after %d attempts: %w", l.retries, lastErr)
}
