package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lucidgraph/memengine/internal/app"
	"github.com/lucidgraph/memengine/internal/task"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// registerAPI mounts the ingest and query HTTP surface onto mux.
func registerAPI(mux *http.ServeMux, a *app.App) {
	mux.HandleFunc("POST /v1/memories", handleAddMemory(a))
	mux.HandleFunc("POST /v1/memories/update", handleUpdateMemory(a))
	mux.HandleFunc("POST /v1/memories/delete", handleDeleteMemory(a))
	mux.HandleFunc("DELETE /v1/memories/{vectorId}", handleDeleteByVectorID(a))
	mux.HandleFunc("POST /v1/memories/batch", handleBatchAdd(a))
	mux.HandleFunc("POST /v1/conversations", handleConversation(a))
	mux.HandleFunc("GET /v1/tasks/{id}", handleTaskStatus(a))
	mux.HandleFunc("GET /v1/query", handleQuery(a))
}

type taskAccepted struct {
	TaskID string `json:"task_id"`
	Count  int    `json:"count,omitempty"`
}

type addMemoryRequest struct {
	Owner     types.Owner    `json:"owner"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SkipJudge bool           `json:"skip_judge"`
	APIKeyID  string         `json:"api_key_id"`
	Tier      string         `json:"tier"`
}

func handleAddMemory(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addMemoryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Owner == "" || req.Content == "" {
			writeError(w, http.StatusBadRequest, "owner and content are required")
			return
		}
		taskID, err := a.Runtime().EnqueueMemory(r.Context(), req.Owner, req.Content, req.Metadata, req.SkipJudge, req.APIKeyID, req.Tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID})
	}
}

type mutateMemoryRequest struct {
	Owner    types.Owner `json:"owner"`
	Content  string      `json:"content"`
	APIKeyID string      `json:"api_key_id"`
	Tier     string      `json:"tier"`
}

func handleUpdateMemory(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mutateMemoryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Owner == "" || req.Content == "" {
			writeError(w, http.StatusBadRequest, "owner and content are required")
			return
		}
		taskID, err := a.Runtime().EnqueueUpdate(r.Context(), req.Owner, req.Content, req.APIKeyID, req.Tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID})
	}
}

func handleDeleteMemory(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mutateMemoryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Owner == "" || req.Content == "" {
			writeError(w, http.StatusBadRequest, "owner and content are required")
			return
		}
		taskID, err := a.Runtime().EnqueueDelete(r.Context(), req.Owner, req.Content, req.APIKeyID, req.Tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID})
	}
}

type batchAddRequest struct {
	Owner    types.Owner      `json:"owner"`
	Items    []task.BatchItem `json:"items"`
	APIKeyID string           `json:"api_key_id"`
	Tier     string           `json:"tier"`
}

func handleDeleteByVectorID(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := types.Owner(r.URL.Query().Get("owner"))
		if owner == "" {
			writeError(w, http.StatusBadRequest, "owner query parameter is required")
			return
		}
		vectorID := types.VectorID(r.PathValue("vectorId"))
		receipt, err := a.Reconciler().DeleteByVectorID(r.Context(), owner, vectorID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	}
}

func handleBatchAdd(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchAddRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Owner == "" || len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "owner and a non-empty items list are required")
			return
		}
		taskID, count, err := a.Runtime().EnqueueBatch(r.Context(), req.Owner, req.Items, req.APIKeyID, req.Tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID, Count: count})
	}
}

type conversationRequest struct {
	Owner          types.Owner     `json:"owner"`
	ConversationID string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
	APIKeyID       string          `json:"api_key_id"`
	NeedsSummary   bool            `json:"needs_summary"`
	Tier           string          `json:"tier"`
}

func handleConversation(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Owner == "" || req.ConversationID == "" || len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "owner, conversation_id, and a non-empty messages list are required")
			return
		}
		taskID, count, err := a.Runtime().EnqueueConversation(r.Context(), req.Owner, req.ConversationID, req.Messages, req.APIKeyID, req.NeedsSummary, req.Tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskAccepted{TaskID: taskID, Count: count})
	}
}

func handleTaskStatus(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("id")
		status, err := a.Runtime().Status(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleQuery(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := types.Owner(r.URL.Query().Get("owner"))
		query := r.URL.Query().Get("q")
		if owner == "" || query == "" {
			writeError(w, http.StatusBadRequest, "owner and q query parameters are required")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		result, err := a.Composer().Compose(r.Context(), owner, query, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
