package httpapi

import (
	"io"
	"net/http"
	"strings"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/core"
)

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) error {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	switch r.Method {
	case http.MethodGet:
		return h.handleKVGet(w, r, key)
	case http.MethodPut:
		return h.handleKVPut(w, r, key)
	case http.MethodDelete:
		return h.handleKVDelete(w, r, key)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, PUT, DELETE"}
	}
}

func (h *Handler) handleKVGet(w http.ResponseWriter, r *http.Request, key string) error {
	q := r.URL.Query()
	recurse, err := boolFlag(q, "recurse")
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_recurse", Detail: err.Error()}
	}
	waitIndex, err := parseIndex(q.Get("index"))
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_index", Detail: err.Error()}
	}
	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_wait", Detail: err.Error()}
	}
	raw, err := boolFlag(q, "raw")
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_raw", Detail: err.Error()}
	}
	// stale is accepted for wire compatibility; a single node answers every
	// read authoritatively, so it changes nothing.
	if _, err := boolFlag(q, "stale"); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_stale", Detail: err.Error()}
	}
	if raw && recurse {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_raw", Detail: "raw and recurse are mutually exclusive"}
	}

	res, err := h.core.Get(r.Context(), core.GetCommand{
		Key:       key,
		Recurse:   recurse,
		WaitIndex: waitIndex,
		Wait:      wait,
	})
	if err != nil {
		return convertCoreError(err)
	}

	headers := indexHeader(res.Index)
	if !res.Found {
		h.writeJSON(w, http.StatusNotFound, api.ErrorResponse{
			ErrorCode: "key_not_found",
			Detail:    "no entries matched",
		}, headers)
		return nil
	}
	if raw {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Entries[0].Value)
		return nil
	}

	pairs := make([]api.KVPair, 0, len(res.Entries))
	for _, entry := range res.Entries {
		pairs = append(pairs, kvPair(entry))
	}
	h.writeJSON(w, http.StatusOK, pairs, headers)
	return nil
}

func (h *Handler) handleKVPut(w http.ResponseWriter, r *http.Request, key string) error {
	q := r.URL.Query()
	flags, err := parseIndex(q.Get("flags"))
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_flags", Detail: err.Error()}
	}
	var cas *uint64
	if _, present := q["cas"]; present {
		v, err := parseIndex(q.Get("cas"))
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_cas", Detail: err.Error()}
		}
		cas = &v
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.jsonMaxBytes))
	if err != nil {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "value_too_large", Detail: err.Error()}
	}

	res, err := h.core.Put(r.Context(), core.PutCommand{
		Key:     key,
		Value:   value,
		Flags:   flags,
		CAS:     cas,
		Acquire: strings.TrimSpace(q.Get("acquire")),
		Release: strings.TrimSpace(q.Get("release")),
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, res.Applied, indexHeader(res.Index))
	return nil
}

func (h *Handler) handleKVDelete(w http.ResponseWriter, r *http.Request, key string) error {
	recurse, err := boolFlag(r.URL.Query(), "recurse")
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_recurse", Detail: err.Error()}
	}
	res, err := h.core.Delete(r.Context(), core.DeleteCommand{Key: key, Recurse: recurse})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, res.Deleted, indexHeader(res.Index))
	return nil
}

func kvPair(entry core.Entry) api.KVPair {
	return api.KVPair{
		Key:         entry.Key,
		Value:       entry.Value,
		Flags:       entry.Flags,
		CreateIndex: entry.CreateIndex,
		ModifyIndex: entry.ModifyIndex,
		LockIndex:   entry.LockIndex,
		Session:     entry.Session,
	}
}
