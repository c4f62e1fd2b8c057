package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/peer"
	"github.com/relaymesh/relay/pkg/propagation"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/results"
	"github.com/relaymesh/relay/pkg/tasks"
)

const maxDocumentBytes = 10 << 20

// submitQueryHandler handles POST /query from users and peer relays.
func (s *Server) submitQueryHandler(w http.ResponseWriter, r *http.Request) {
	var q peer.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if q.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())

	res, err := s.queries.Submit(r.Context(), propagation.Request{Query: q, Principal: principal})
	switch {
	case errors.Is(err, propagation.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, mapping.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("query failed", "originator", q.OriginatorRequestID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// queryStatus is the body of GET /query/{requestId}.
type queryStatus struct {
	RequestID           string                `json:"request_id"`
	OriginatorRequestID string                `json:"originator_request_id"`
	State               string                `json:"state"`
	Counts              tasks.TaskCounts      `json:"counts"`
	Fragments           []fragment.Descriptor `json:"fragments,omitempty"`
	Failures            []peer.Failure        `json:"failures,omitempty"`
}

// getQueryHandler handles GET /query/{requestId}. The id may be the local
// request id or the originator id. Fragments of a request still in flight
// are only returned with allow_partial=true; status_only=true omits them.
func (s *Server) getQueryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	req, err := s.tasks.GetRequest(r.Context(), id)
	if err == nil && req == nil {
		req, err = s.tasks.GetRequestByOriginator(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get request: %v", err))
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("request %q not found", id))
		return
	}

	counts, err := s.tasks.Counts(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count tasks: %v", err))
		return
	}
	out := queryStatus{
		RequestID:           req.ID,
		OriginatorRequestID: req.OriginatorRequestID,
		State:               string(req.State),
		Counts:              counts,
	}

	terminal := req.State.IsTerminal()
	if queryFlag(r, "status_only") || (!terminal && !queryFlag(r, "allow_partial")) {
		writeJSON(w, statusCode(terminal), out)
		return
	}
	res, err := s.queries.Result(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to assemble result: %v", err))
		return
	}
	if res != nil {
		out.State = res.State
		out.Fragments = res.Fragments
		out.Failures = res.Failures
	}
	writeJSON(w, statusCode(terminal), out)
}

func statusCode(terminal bool) int {
	if terminal {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func queryFlag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// listQueriesHandler handles GET /query.
// Query params: state, originId, pageSize, pageToken
func (s *Server) listQueriesHandler(w http.ResponseWriter, r *http.Request) {
	filter := tasks.RequestFilter{
		State:    r.URL.Query().Get("state"),
		OriginID: r.URL.Query().Get("originId"),
	}
	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, next, total, err := s.tasks.ListRequests(r.Context(), filter, pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list requests: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":      records,
		"nextPageToken": next,
		"totalSize":     total,
	})
}

// fragmentHandler handles GET /fragments/{streamId}, streaming the
// materialized rows of a completed local task as newline-delimited JSON.
func (s *Server) fragmentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "streamId")
	task, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get task: %v", err))
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("fragment %q not found", id))
		return
	}
	if task.State != tasks.TaskComplete || task.ResultLocation == "" {
		writeError(w, http.StatusConflict, fmt.Sprintf("fragment %q is %s", id, task.State))
		return
	}

	rc, err := s.results.Open(r.Context(), task.ResultLocation)
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusGone, fmt.Sprintf("fragment %q has expired", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open fragment: %v", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("fragment stream interrupted", "stream", id, "error", err)
	}
}

// applyConfigHandler handles POST /admin/config with a YAML or JSON
// document.
func (s *Server) applyConfigHandler(w http.ResponseWriter, r *http.Request) {
	if op := identity.OperatorFromContext(r.Context()); op != "" {
		audit.Annotate(r.Context(), "operator", op)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	doc, err := registry.ParseDocument(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.registry.Apply(r.Context(), doc)
	switch {
	case errors.Is(err, registry.ErrInvalidDocument),
		errors.Is(err, registry.ErrUnknownEntity),
		errors.Is(err, registry.ErrMissingDefaultPermission):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to apply config: %v", err))
		return
	}
	s.cache.InvalidateAll()
	if s.onApply != nil {
		s.onApply()
	}
	audit.Annotate(r.Context(), "entities", strconv.Itoa(res.Entities))
	audit.Annotate(r.Context(), "data_sources", strconv.Itoa(res.DataSources))
	audit.Annotate(r.Context(), "peer_relays", strconv.Itoa(res.PeerRelays))
	s.logger.Info("config applied",
		"entities", res.Entities,
		"dataSources", res.DataSources,
		"peerRelays", res.PeerRelays)
	writeJSON(w, http.StatusOK, res)
}

type informationOut struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type entityOut struct {
	Name        string           `json:"name"`
	Information []informationOut `json:"information"`
}

// listEntitiesHandler handles GET /admin/entities.
func (s *Server) listEntitiesHandler(w http.ResponseWriter, r *http.Request) {
	ents, err := s.registry.ListEntities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list entities: %v", err))
		return
	}
	out := make([]entityOut, len(ents))
	for i, e := range ents {
		out[i] = entityOut{Name: e.Name, Information: make([]informationOut, len(e.Information))}
		for j, info := range e.Information {
			out[i].Information[j] = informationOut{Name: info.Name, DataType: info.DataType}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
