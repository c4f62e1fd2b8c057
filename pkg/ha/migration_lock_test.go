package ha

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	locker := NewMigrationLocker(nil, "")
	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestRowLock_WithLock(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}

	// Verify lock was released: lock table should be empty.
	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", count)
	}
}

func TestRowLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	expectedErr := "migration failed"
	err := locker.WithLock(context.Background(), func() error {
		return &testError{msg: expectedErr}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != expectedErr {
		t.Errorf("error = %q, want %q", err.Error(), expectedErr)
	}

	// Lock should still be released after error.
	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", count)
	}
}

func TestRowLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	// Verify that two concurrent WithLock calls serialize: only one
	// runs the critical section at a time.
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				// Track the maximum concurrency observed.
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestRowLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	// Acquire the lock first.
	err := locker.WithLock(context.Background(), func() error {
		// While holding the lock, try to acquire it again with a cancelled context.
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately.

		err2 := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		if err2 == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string { return e.msg }

func TestRowLock_RecordsHolderAndBreaksStaleLocks(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	stale := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now().Add(-time.Hour), LockedBy: "crashed"}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	err := locker.WithLock(context.Background(), func() error {
		var row migrationLockRecord
		if err := db.First(&row, "id = ?", migrationLockName).Error; err != nil {
			return err
		}
		if row.LockedBy != "replica-a" {
			t.Errorf("LockedBy = %q, want %q", row.LockedBy, "replica-a")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
}
