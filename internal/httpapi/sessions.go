package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/core"
)

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: PUT"}
	}

	// An empty body creates a session with defaults.
	var req api.SessionCreateRequest
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}

	res, err := h.core.CreateSession(r.Context(), core.SessionCreateCommand{
		Name:       req.Name,
		Behavior:   req.Behavior,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.SessionCreateResponse{ID: res.ID}, indexHeader(h.core.CurrentIndex()))
	return nil
}

func (h *Handler) handleSessionRenew(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: PUT"}
	}
	id, err := sessionIDFromPath(r.URL.Path, "/v1/session/renew/")
	if err != nil {
		return err
	}
	sess, err := h.core.RenewSession(r.Context(), id)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, []api.Session{sessionSnapshot(*sess)}, indexHeader(h.core.CurrentIndex()))
	return nil
}

func (h *Handler) handleSessionDestroy(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: PUT"}
	}
	id, err := sessionIDFromPath(r.URL.Path, "/v1/session/destroy/")
	if err != nil {
		return err
	}
	res, err := h.core.DestroySession(r.Context(), id)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, res.Destroyed, indexHeader(res.Index))
	return nil
}

func (h *Handler) handleSessionInfo(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	id, err := sessionIDFromPath(r.URL.Path, "/v1/session/info/")
	if err != nil {
		return err
	}
	sess, err := h.core.SessionInfo(r.Context(), id)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, []api.Session{sessionSnapshot(*sess)}, indexHeader(h.core.CurrentIndex()))
	return nil
}

func (h *Handler) handleSessionList(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	sessions, err := h.core.Sessions(r.Context())
	if err != nil {
		return convertCoreError(err)
	}
	out := make([]api.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSnapshot(sess))
	}
	h.writeJSON(w, http.StatusOK, out, indexHeader(h.core.CurrentIndex()))
	return nil
}

func sessionIDFromPath(path, prefix string) (string, error) {
	id := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if id == "" || strings.Contains(id, "/") {
		return "", httpError{Status: http.StatusBadRequest, Code: "invalid_session_id", Detail: "session id required"}
	}
	return id, nil
}

func sessionSnapshot(sess core.Session) api.Session {
	return api.Session{
		ID:            sess.ID,
		Name:          sess.Name,
		Behavior:      sess.Behavior,
		TTLSeconds:    sess.TTLSeconds,
		CreateIndex:   sess.CreateIndex,
		LastRenewUnix: sess.LastRenewUnix,
	}
}
