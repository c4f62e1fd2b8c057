package main

type field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type link struct {
	Relay       string `json:"relay"`
	Field       string `json:"field"`
	Placeholder string `json:"placeholder,omitempty"`
	Forward     string `json:"forward_expr,omitempty"`
	Inverse     string `json:"inverse_expr,omitempty"`
}

type fragment struct {
	Endpoint string  `json:"source_node_endpoint"`
	StreamID string  `json:"stream_id"`
	Schema   []field `json:"output_schema"`
	Chain    []link  `json:"transformation_chain"`
}

type failure struct {
	TaskID string `json:"task_id"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type counts struct {
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

type queryRequest struct {
	OriginatorRequestID string `json:"originator_request_id,omitempty"`
	SQL                 string `json:"sql"`
}

// queryResult is the body of POST /query and GET /query/{id}.
type queryResult struct {
	RequestID           string     `json:"request_id"`
	OriginatorRequestID string     `json:"originator_request_id"`
	State               string     `json:"state"`
	Counts              *counts    `json:"counts,omitempty"`
	Fragments           []fragment `json:"fragments"`
	Failures            []failure  `json:"failures,omitempty"`
}

type requestRecord struct {
	ID                  string   `json:"id"`
	OriginatorRequestID string   `json:"originator_request_id"`
	SQL                 string   `json:"sql"`
	OriginKind          string   `json:"origin_kind"`
	OriginRelay         string   `json:"origin_relay,omitempty"`
	VisitedRelays       []string `json:"visited_relays,omitempty"`
	State               string   `json:"state"`
	FailureReason       string   `json:"failure_reason,omitempty"`
	CreatedAt           string   `json:"created_at"`
}

type requestsResponse struct {
	Requests      []requestRecord `json:"requests"`
	NextPageToken string          `json:"nextPageToken"`
	TotalSize     int             `json:"totalSize"`
}

type entity struct {
	Name        string `json:"name"`
	Information []struct {
		Name     string `json:"name"`
		DataType string `json:"data_type"`
	} `json:"information"`
}

type entitiesResponse struct {
	Entities []entity `json:"entities"`
}
