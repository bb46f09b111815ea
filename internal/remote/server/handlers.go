package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

type errorResponse = remote.ErrorResponse

// RegisterRoutes mounts the API on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(remote.PathBatch, s.handleBatch)
	mux.HandleFunc(remote.PathChanges, s.handleChanges)
	mux.HandleFunc(remote.PathNotify, s.handleNotify)
	mux.HandleFunc("/healthz", handleHealthz)
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req remote.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !headerScopeMatches(r, req.Scope()) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "scope headers do not match request body"})
		return
	}

	results, err := s.SubmitBatch(r.Context(), req)
	switch {
	case errors.Is(err, errScope):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.logger.Error("batch failed", "scope", req.Scope().String(), "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.BatchResponse{Results: results})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	scope := ir.Scope{TenantID: q.Get("tenantId"), StoreID: q.Get("storeId")}
	if scope.Validate() != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errScope.Error()})
		return
	}
	if !headerScopeMatches(r, scope) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "scope headers do not match query"})
		return
	}

	since := int64(0)
	if v := q.Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a non-negative integer"})
			return
		}
		since = parsed
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	set, err := s.Changes(r.Context(), scope, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleNotify upgrades to a websocket that receives {"revision": n}
// after every write in the requested scope.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := ir.Scope{TenantID: q.Get("tenantId"), StoreID: q.Get("storeId")}
	if scope.Validate() != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errScope.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("notify upgrade failed", "error", err)
		return
	}
	n := s.hub.add(scope, conn)
	s.logger.Debug("notify client connected", "scope", scope.String(), "clients", n)

	// Clients never send; reading detects the disconnect.
	defer s.hub.remove(scope, conn)
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// headerScopeMatches reports whether the scope headers, when present,
// agree with scope.
func headerScopeMatches(r *http.Request, scope ir.Scope) bool {
	tenant := r.Header.Get(remote.HeaderTenantID)
	store := r.Header.Get(remote.HeaderStoreID)
	if tenant == "" && store == "" {
		return true
	}
	return tenant == scope.TenantID && store == scope.StoreID
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
