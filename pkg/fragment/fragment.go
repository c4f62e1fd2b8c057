// Package fragment defines the descriptor returned to callers for each
// directly-fetchable unit of a federated query result.
package fragment

import (
	"github.com/relaymesh/relay/pkg/transform"
)

// Field is one column of a fragment's output schema.
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Descriptor locates a fragment on its owning node and carries the chain
// that maps its raw values back to the requester's units.
type Descriptor struct {
	Endpoint string          `json:"source_node_endpoint"`
	StreamID string          `json:"stream_id"`
	Schema   []Field         `json:"output_schema"`
	Chain    transform.Chain `json:"transformation_chain"`
}

// FieldNames returns the schema's column names in order.
func (d Descriptor) FieldNames() []string {
	out := make([]string, len(d.Schema))
	for i, f := range d.Schema {
		out[i] = f.Name
	}
	return out
}
