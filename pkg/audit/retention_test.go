package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetentionWorker(t *testing.T) {
	// Test that the worker is created with correct parameters.
	worker := NewRetentionWorker(nil, 30, nil)

	if worker == nil {
		t.Fatal("expected non-nil worker")
	}

	expectedRetention := 30 * 24 // hours
	actualHours := int(worker.retention.Hours())
	if actualHours != expectedRetention {
		t.Errorf("expected retention %d hours, got %d", expectedRetention, actualHours)
	}

	expectedInterval := 24 // hours
	actualIntervalHours := int(worker.interval.Hours())
	if actualIntervalHours != expectedInterval {
		t.Errorf("expected interval %d hours, got %d", expectedInterval, actualIntervalHours)
	}
}

func TestNewRetentionWorker_ZeroRetention(t *testing.T) {
	// Worker with zero retention should be disabled (Run returns immediately).
	worker := NewRetentionWorker(nil, 0, nil)

	if worker == nil {
		t.Fatal("expected non-nil worker")
	}

	if worker.retention != 0 {
		t.Errorf("expected zero retention, got %v", worker.retention)
	}
}

func TestRetentionWorker_CleanupDeletesExpired(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Event{ActorKind: "user", Actor: "a", Action: "config.apply", Outcome: "success",
		CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}))
	require.NoError(t, store.Append(ctx, &Event{ActorKind: "user", Actor: "b", Action: "config.apply", Outcome: "success"}))

	NewRetentionWorker(store, 30, nil).cleanup(ctx)

	events, _, total, err := store.ListEvents(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", events[0].Actor)
}
