package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
)

// registerRequest is the POST /api/hq/register body: a remote announcing
// itself to this server's HQ.
type registerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// hqRemotes lists every remote currently registered with this HQ.
func (s *Server) hqRemotes(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "this server is not running as a federation HQ")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

// hqRegister accepts a remote's registration, refreshing it in place if
// the same name re-registers.
func (s *Server) hqRegister(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "this server is not running as a federation HQ")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	remote := s.registry.Register(req.Name, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"remoteId": remote.ID})
}
