package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/spawner"
)

// sessionView is the JSON shape returned for one session, local or
// remote: session.Record's fields plus the remote's display name, which
// the record itself doesn't carry.
type sessionView struct {
	session.Record
	RemoteName string `json:"remoteName,omitempty"`
}

// createRequest is the POST /api/sessions body (§6).
type createRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir"`
	Name       string   `json:"name,omitempty"`
	Cols       int      `json:"cols,omitempty"`
	Rows       int      `json:"rows,omitempty"`
	TitleMode  string   `json:"titleMode,omitempty"`
	RemoteID   string   `json:"remoteId,omitempty"`
}

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// listSessions returns every local session plus, in HQ mode, every
// remote's own sessions tagged with their remote's name.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}

	views := make([]sessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, sessionView{Record: *rec})
	}

	if s.registry != nil && s.proxy != nil {
		for _, remote := range s.registry.List() {
			resp, err := s.proxy.Forward(remote.ID, http.MethodGet, "/api/sessions", nil, nil)
			if err != nil {
				s.logger.Warn("httpapi: list remote sessions", "remote", remote.Name, "error", err)
				continue
			}
			var remoteViews []sessionView
			if err := json.Unmarshal(resp.Body, &remoteViews); err != nil {
				s.logger.Warn("httpapi: decode remote session list", "remote", remote.Name, "error", err)
				continue
			}
			for _, v := range remoteViews {
				v.RemoteName = remote.Name
				s.rememberRemote(v.ID, remote.ID)
				views = append(views, v)
			}
		}
	}

	writeJSON(w, http.StatusOK, views)
}

// createSession spawns a new forwarder locally, or — when the request
// names a remote — forwards the creation request there instead.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	if req.RemoteID != "" {
		if s.proxy == nil {
			writeError(w, http.StatusBadRequest, "this server has no federation configured")
			return
		}
		resp, err := s.proxy.Forward(req.RemoteID, http.MethodPost, "/api/sessions", map[string]string{"Content-Type": "application/json"}, body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "forward to remote: %v", err)
			return
		}
		var created struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(resp.Body, &created) == nil && created.SessionID != "" {
			s.rememberRemote(created.SessionID, req.RemoteID)
		}
		forwardResponse(w, resp)
		return
	}

	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.WorkingDir == "" {
		writeError(w, http.StatusBadRequest, "workingDir is required")
		return
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	titleMode := session.TitleMode(req.TitleMode)
	if titleMode == "" {
		titleMode = session.TitleModeNone
	}

	id := session.NewID()
	_, err = s.spawner.Start(spawner.Request{
		SessionID:   id,
		Command:     req.Command,
		Dir:         req.WorkingDir,
		Cols:        cols,
		Rows:        rows,
		TitleMode:   titleMode,
		Name:        req.Name,
		ControlRoot: s.sessions.Root(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spawn forwarder: %v", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.sessions.Load(id)
	if err == nil {
		writeJSON(w, http.StatusOK, sessionView{Record: *record})
		return
	}

	if resp, ok := s.tryRemote(id, http.MethodGet, "/api/sessions/"+id, nil, nil); ok {
		forwardResponse(w, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown session %q", id)
}

// deleteSession requests the forwarder terminate its child with SIGTERM;
// the session transitions to status=exited once the child actually dies.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Load(id); err == nil {
		if err := s.dispatcher.Signal(id, uint8(syscall.SIGTERM)); err != nil {
			writeError(w, http.StatusBadGateway, "signal forwarder: %v", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if resp, ok := s.tryRemote(id, http.MethodDelete, "/api/sessions/"+id, nil, nil); ok {
		forwardResponse(w, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown session %q", id)
}

func (s *Server) inputSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	if _, err := s.sessions.Load(id); err == nil {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
			return
		}
		if err := s.dispatcher.SendInput(id, []byte(payload.Text)); err != nil {
			writeError(w, http.StatusBadGateway, "send input: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if resp, ok := s.tryRemote(id, http.MethodPost, "/api/sessions/"+id+"/input", map[string]string{"Content-Type": "application/json"}, body); ok {
		forwardResponse(w, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown session %q", id)
}

func (s *Server) resizeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	if _, err := s.sessions.Load(id); err == nil {
		var payload struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
			return
		}
		if payload.Cols <= 0 || payload.Rows <= 0 {
			writeError(w, http.StatusBadRequest, "cols and rows must be positive")
			return
		}
		if err := s.dispatcher.Resize(id, payload.Cols, payload.Rows); err != nil {
			writeError(w, http.StatusBadGateway, "resize: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if resp, ok := s.tryRemote(id, http.MethodPost, "/api/sessions/"+id+"/resize", map[string]string{"Content-Type": "application/json"}, body); ok {
		forwardResponse(w, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown session %q", id)
}

func (s *Server) textSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.sessions.Load(id)
	if err == nil {
		text, err := s.snapshotText(id, record.Cols, record.Rows)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "render snapshot: %v", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, text)
		return
	}

	if resp, ok := s.tryRemote(id, http.MethodGet, "/api/sessions/"+id+"/text", nil, nil); ok {
		forwardResponse(w, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown session %q", id)
}

// cleanupExited removes the on-disk directory of every session whose
// record already reports status=exited.
func (s *Server) cleanupExited(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}

	removed := 0
	for _, rec := range records {
		if rec.Status != session.StatusExited {
			continue
		}
		if err := s.sessions.Cleanup(rec.ID); err != nil {
			s.logger.Warn("httpapi: cleanup exited session", "session", rec.ID, "error", err)
			continue
		}
		removed++
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
