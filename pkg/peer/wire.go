// Package peer implements the relay-to-relay query protocol: the wire types
// exchanged on POST /query and an mTLS client that pins each peer's
// certificate fingerprint.
package peer

import (
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/transform"
)

// Query is a logical query submitted to a relay, by a user or a peer.
// Users send only SQL; peers also carry the originator id, the chain applied
// so far and the relays already visited.
type Query struct {
	OriginatorRequestID string          `json:"originator_request_id,omitempty"`
	SQL                 string          `json:"sql"`
	Chain               transform.Chain `json:"transformation_chain,omitempty"`
	VisitedRelays       []string        `json:"visited_relays,omitempty"`
	OriginTaskID        string          `json:"origin_task_id,omitempty"`
}

// Failure explains why one local or remote task did not produce a fragment.
type Failure struct {
	TaskID string `json:"task_id"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Response is the outcome of a query request.
type Response struct {
	RequestID           string                `json:"request_id"`
	OriginatorRequestID string                `json:"originator_request_id"`
	State               string                `json:"state"`
	Fragments           []fragment.Descriptor `json:"fragments"`
	Failures            []Failure             `json:"failures,omitempty"`
}
