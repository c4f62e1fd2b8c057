package fragment

import (
	"encoding/json"
	"testing"

	"github.com/relaymesh/relay/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorJSONShape(t *testing.T) {
	d := Descriptor{
		Endpoint: "grpc+tls://relay-b:50051",
		StreamID: "abc",
		Schema:   []Field{{Name: "discount", Type: "Float64"}},
		Chain: transform.Chain{{
			Relay: "na_data_relay", Field: "discount",
			Transformation: transform.Transformation{Placeholder: "{v}", Forward: "{v}/100", Inverse: "{v}*100"},
		}},
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "grpc+tls://relay-b:50051", generic["source_node_endpoint"])
	assert.Equal(t, "abc", generic["stream_id"])
	chain := generic["transformation_chain"].([]any)
	require.Len(t, chain, 1)
	link := chain[0].(map[string]any)
	assert.Equal(t, "{v}/100", link["forward_expr"])
	assert.Equal(t, "{v}*100", link["inverse_expr"])
}

func TestFieldNames(t *testing.T) {
	d := Descriptor{Schema: []Field{{Name: "a", Type: "Int64"}, {Name: "b", Type: "Utf8"}}}
	assert.Equal(t, []string{"a", "b"}, d.FieldNames())
}
