// Package tasks persists the state of propagated queries: the request, its
// local execution tasks, its forwarded peer tasks and the fragments peers
// return.
package tasks

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/transform"
	"gorm.io/gorm"
)

// RequestState is the lifecycle state of a QueryRequest.
type RequestState string

const (
	RequestReceived        RequestState = "received"
	RequestPropagating     RequestState = "propagating"
	RequestAggregating     RequestState = "aggregating"
	RequestComplete        RequestState = "complete"
	RequestPartiallyFailed RequestState = "partially_failed"
	RequestFailed          RequestState = "failed"
)

// IsTerminal returns true if no further transition is possible.
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestComplete, RequestPartiallyFailed, RequestFailed:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a local QueryTask.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskInProgress TaskState = "in_progress"
	TaskComplete   TaskState = "complete"
	TaskFailed     TaskState = "failed"
)

// IsTerminal returns true if the task is complete or failed.
func (s TaskState) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// RemoteState is the lifecycle state of a QueryTaskRemote.
type RemoteState string

const (
	RemoteQueued    RemoteState = "queued"
	RemoteSubmitted RemoteState = "submitted"
	RemoteComplete  RemoteState = "complete"
	RemoteFailed    RemoteState = "failed"
)

// IsTerminal returns true if the remote task is complete or failed.
func (s RemoteState) IsTerminal() bool {
	return s == RemoteComplete || s == RemoteFailed
}

// StreamState is the state of a fragment returned by a peer.
type StreamState string

const (
	StreamInvalid  StreamState = "invalid"
	StreamStarted  StreamState = "started"
	StreamComplete StreamState = "complete"
	StreamFailed   StreamState = "failed"
)

var seq atomic.Int64

func init() {
	seq.Store(time.Now().UnixNano())
}

func stamp(id *string, s *int64) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if *s == 0 {
		*s = seq.Add(1)
	}
}

// QueryRequest is one logical query received by this Relay, from a user or
// forwarded by a peer. OriginatorRequestID is shared by every hop.
type QueryRequest struct {
	ID                  string          `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	OriginatorRequestID string          `gorm:"column:originator_request_id;type:varchar(64);uniqueIndex:idx_req_originator;not null" json:"originator_request_id"`
	SQL                 string          `gorm:"column:sql;type:text;not null" json:"sql"`
	OriginKind          string          `gorm:"column:origin_kind" json:"origin_kind"`
	OriginID            string          `gorm:"column:origin_id;type:varchar(36);index:idx_req_origin" json:"origin_id,omitempty"`
	OriginRelay         string          `gorm:"column:origin_relay" json:"origin_relay,omitempty"`
	OriginTaskID        string          `gorm:"column:origin_task_id;type:varchar(36)" json:"origin_task_id,omitempty"`
	VisitedRelays       []string        `gorm:"column:visited_relays;type:text;serializer:json" json:"visited_relays,omitempty"`
	Chain               transform.Chain `gorm:"column:transformation_chain;type:text;serializer:json" json:"transformation_chain,omitempty"`
	State               RequestState    `gorm:"column:state;index:idx_req_state;not null;default:received" json:"state"`
	FailureReason       string          `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	CreatedAt           time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at" json:"updated_at"`
	FinishedAt          *time.Time      `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Seq                 int64           `gorm:"column:created_seq;index:idx_req_seq;not null" json:"-"`
}

func (QueryRequest) TableName() string { return "query_requests" }

func (r *QueryRequest) BeforeCreate(*gorm.DB) error {
	stamp(&r.ID, &r.Seq)
	return nil
}

// QueryTask is the execution of rewritten SQL against one local DataSource.
type QueryTask struct {
	ID             string           `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	QueryRequestID string           `gorm:"column:query_request_id;type:varchar(36);index:idx_task_request;not null" json:"query_request_id"`
	DataSourceID   string           `gorm:"column:data_source_id;type:varchar(36);not null" json:"data_source_id"`
	DataSourceName string           `gorm:"column:data_source_name" json:"data_source_name"`
	SQL            string           `gorm:"column:sql;type:text;not null" json:"sql"`
	Schema         []fragment.Field `gorm:"column:output_schema;type:text;serializer:json" json:"output_schema"`
	Chain          transform.Chain  `gorm:"column:transformation_chain;type:text;serializer:json" json:"transformation_chain,omitempty"`
	State          TaskState        `gorm:"column:state;index:idx_task_state;not null;default:queued" json:"state"`
	FailureReason  string           `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	ResultLocation string           `gorm:"column:result_location" json:"result_location,omitempty"`
	CreatedAt      time.Time        `gorm:"column:created_at" json:"created_at"`
	StartedAt      *time.Time       `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time       `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Seq            int64            `gorm:"column:created_seq;not null" json:"-"`
}

func (QueryTask) TableName() string { return "query_tasks" }

func (t *QueryTask) BeforeCreate(*gorm.DB) error {
	stamp(&t.ID, &t.Seq)
	return nil
}

// QueryTaskRemote is a query forwarded to one peer Relay.
type QueryTaskRemote struct {
	ID             string      `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	QueryRequestID string      `gorm:"column:query_request_id;type:varchar(36);index:idx_rtask_request;not null" json:"query_request_id"`
	RelayID        string      `gorm:"column:relay_id;type:varchar(36);not null" json:"relay_id"`
	RelayName      string      `gorm:"column:relay_name" json:"relay_name"`
	SQL            string      `gorm:"column:sql;type:text;not null" json:"sql"`
	State          RemoteState `gorm:"column:state;index:idx_rtask_state;not null;default:queued" json:"state"`
	FailureReason  string      `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `gorm:"column:created_at" json:"created_at"`
	SubmittedAt    *time.Time  `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	FinishedAt     *time.Time  `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Seq            int64       `gorm:"column:created_seq;not null" json:"-"`
}

func (QueryTaskRemote) TableName() string { return "query_task_remotes" }

func (t *QueryTaskRemote) BeforeCreate(*gorm.DB) error {
	stamp(&t.ID, &t.Seq)
	return nil
}

// IncomingFlightStream is a fragment descriptor returned by a peer.
type IncomingFlightStream struct {
	ID                string           `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	QueryTaskRemoteID string           `gorm:"column:query_task_remote_id;type:varchar(36);index:idx_stream_rtask;not null" json:"query_task_remote_id"`
	QueryRequestID    string           `gorm:"column:query_request_id;type:varchar(36);index:idx_stream_request;not null" json:"query_request_id"`
	RemoteStreamID    string           `gorm:"column:remote_stream_id;not null" json:"remote_stream_id"`
	RemoteFingerprint string           `gorm:"column:remote_fingerprint" json:"remote_fingerprint"`
	Endpoint          string           `gorm:"column:endpoint" json:"endpoint"`
	Schema            []fragment.Field `gorm:"column:output_schema;type:text;serializer:json" json:"output_schema"`
	Chain             transform.Chain  `gorm:"column:transformation_chain;type:text;serializer:json" json:"transformation_chain,omitempty"`
	State             StreamState      `gorm:"column:state;not null;default:started" json:"state"`
	CreatedAt         time.Time        `gorm:"column:created_at" json:"created_at"`
	Seq               int64            `gorm:"column:created_seq;not null" json:"-"`
}

func (IncomingFlightStream) TableName() string { return "incoming_flight_streams" }

func (s *IncomingFlightStream) BeforeCreate(*gorm.DB) error {
	stamp(&s.ID, &s.Seq)
	return nil
}

// Descriptor returns the fragment descriptor the stream was recorded from.
func (s *IncomingFlightStream) Descriptor() fragment.Descriptor {
	return fragment.Descriptor{
		Endpoint: s.Endpoint,
		StreamID: s.RemoteStreamID,
		Schema:   s.Schema,
		Chain:    s.Chain,
	}
}

// AllModels lists every task model for migration.
func AllModels() []any {
	return []any{&QueryRequest{}, &QueryTask{}, &QueryTaskRemote{}, &IncomingFlightStream{}}
}
