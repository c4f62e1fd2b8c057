// Package audit records administrative actions taken against a Relay:
// who applied which configuration, when, and whether it succeeded.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is one recorded administrative request.
type Event struct {
	ID            string            `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RequestID     string            `gorm:"column:request_id;index" json:"request_id,omitempty"`
	CorrelationID string            `gorm:"column:correlation_id;index" json:"correlation_id,omitempty"`
	ActorKind     string            `gorm:"column:actor_kind;not null" json:"actor_kind"`
	Actor         string            `gorm:"column:actor;index:idx_audit_actor;not null" json:"actor"`
	Operator      string            `gorm:"column:operator" json:"operator,omitempty"`
	Action        string            `gorm:"column:action;index:idx_audit_action;not null" json:"action"`
	Method        string            `gorm:"column:method" json:"method"`
	Path          string            `gorm:"column:path" json:"path"`
	Outcome       string            `gorm:"column:outcome;not null" json:"outcome"` // success, failure, denied
	StatusCode    int               `gorm:"column:status_code" json:"status_code"`
	DurationMS    int64             `gorm:"column:duration_ms" json:"duration_ms"`
	Metadata      map[string]string `gorm:"column:metadata;type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"column:created_at;index:idx_audit_created" json:"created_at"`
	Seq           int64             `gorm:"column:created_seq;index:idx_audit_seq;not null" json:"-"`
}

func (Event) TableName() string { return "relay_audit_events" }

var seq atomic.Int64

func init() {
	seq.Store(time.Now().UnixNano())
}

func (e *Event) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Seq == 0 {
		e.Seq = seq.Add(1)
	}
	return nil
}

// ListFilter narrows ListEvents. Empty fields match everything.
type ListFilter struct {
	Actor   string
	Action  string
	Outcome string
}

// Store persists audit events.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

func (s *Store) Append(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Get returns the event with the given id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// ListEvents returns events newest first, the token of the next page and
// the total number of matching events.
func (s *Store) ListEvents(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.WithContext(ctx).Model(&Event{})
		if filter.Actor != "" {
			q = q.Where("actor = ?", filter.Actor)
		}
		if filter.Action != "" {
			q = q.Where("action = ?", filter.Action)
		}
		if filter.Outcome != "" {
			q = q.Where("outcome = ?", filter.Outcome)
		}
		return q
	}

	var total int64
	if err := buildQuery(s.db).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	q := buildQuery(s.db).Order("created_seq DESC").Limit(pageSize + 1)
	if pageToken != "" {
		after, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		q = q.Where("created_seq < ?", after)
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var next string
	if len(events) > pageSize {
		next = strconv.FormatInt(events[pageSize-1].Seq, 10)
		events = events[:pageSize]
	}
	return events, next, int(total), nil
}

// DeleteOlderThan removes events created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
