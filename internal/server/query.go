package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/generation"
	"github.com/parchment-ai/ragserver/internal/retrieval"
)

const memoryTopK = 3

type queryRequest struct {
	Query        string   `json:"query"`
	TopK         int      `json:"top_k,omitempty"`
	MinScore     float32  `json:"min_score,omitempty"`
	IncludeGraph bool     `json:"include_graph,omitempty"`
	Rerank       bool     `json:"rerank,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
}

func (s *Server) parseQueryRequest(r *http.Request) (*queryRequest, string) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, "invalid request body"
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, "query is required"
	}
	if req.TopK <= 0 {
		req.TopK = s.Config.DefaultTopK
	}
	if req.MinScore <= 0 {
		req.MinScore = s.Config.DefaultMinScore
	}
	return &req, ""
}

// gatherContext runs retrieval plus memory and conversation lookup. Memory
// failures degrade to an answer without memory rather than an error.
func (s *Server) gatherContext(r *http.Request, p auth.Principal, req *queryRequest) (generation.Input, error) {
	var result *retrieval.Result
	var err error
	opts := retrieval.Options{IncludeGraph: req.IncludeGraph, Rerank: req.Rerank, MinScore: req.MinScore}
	if len(req.DocumentIDs) > 0 {
		result, err = s.Retriever.RetrieveFor(r.Context(), p, req.Query, req.DocumentIDs, req.TopK, opts)
	} else {
		result, err = s.Retriever.Retrieve(r.Context(), p, req.Query, req.TopK, opts)
	}
	if err != nil {
		return generation.Input{}, err
	}

	in := generation.Input{Query: req.Query, Retrieved: result}

	memories, err := s.Memories.SearchFor(r.Context(), p, req.Query, memoryTopK)
	if err != nil {
		s.Logger.Warn("memory search failed, answering without memory", "error", err)
	} else {
		in.Memories = memories
	}

	if req.SessionID != "" {
		history, err := s.Memories.ConversationHistory(r.Context(), p.TenantKey(), req.SessionID, 2*s.Config.MemoryKeepRecent)
		if err != nil {
			s.Logger.Warn("conversation lookup failed", "error", err)
		} else {
			in.History = history
		}
	}
	return in, nil
}

// recordExchange stores both sides of a query turn when the client tracks a
// session. Best effort.
func (s *Server) recordExchange(r *http.Request, p auth.Principal, sessionID, query, answer string) {
	if sessionID == "" {
		return
	}
	ctx := r.Context()
	if err := s.Memories.RecordExchange(ctx, p.TenantKey(), sessionID, "user", query); err != nil {
		s.Logger.Warn("failed to record user message", "error", err)
		return
	}
	if err := s.Memories.RecordExchange(ctx, p.TenantKey(), sessionID, "assistant", answer); err != nil {
		s.Logger.Warn("failed to record assistant message", "error", err)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, msg := s.parseQueryRequest(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, codeValidation, msg)
		return
	}
	p := principal(r)

	in, err := s.gatherContext(r, p, req)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	answer, err := s.Generator.Answer(r.Context(), in)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.recordExchange(r, p, req.SessionID, req.Query, answer.Text)

	writeJSON(w, http.StatusOK, answer)
}

// handleQueryStream answers over SSE: status(retrieving), citations,
// status(generating), token*, confidence, done. Client disconnects cancel
// generation via the request context.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, msg := s.parseQueryRequest(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, codeValidation, msg)
		return
	}
	p := principal(r)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	defer sse.Close()

	sse.SendJSON("status", map[string]string{"status": "retrieving"})

	in, err := s.gatherContext(r, p, req)
	if err != nil {
		s.Logger.Error("stream retrieval failed", "error", err)
		sse.SendJSON("error", errorBody{Error: codeDependencyFailed, Message: "retrieval failed"})
		return
	}

	var answer strings.Builder
	for ev := range s.Generator.StreamAnswer(r.Context(), in) {
		switch ev.Type {
		case generation.EventCitations:
			sse.SendJSON("citations", ev.Citations)
		case generation.EventStatus:
			sse.SendJSON("status", map[string]string{"status": ev.Status})
		case generation.EventToken:
			answer.WriteString(ev.Token)
			sse.Send("token", ev.Token)
		case generation.EventConfidence:
			sse.SendJSON("confidence", ev.Confidence)
		case generation.EventDone:
			sse.SendJSON("done", map[string]bool{"done": true})
		case generation.EventError:
			s.Logger.Error("stream generation failed", "error", ev.Err)
			sse.SendJSON("error", errorBody{Error: codeDependencyFailed, Message: "generation failed"})
			return
		}
	}

	if r.Context().Err() == nil {
		s.recordExchange(r, p, req.SessionID, req.Query, answer.String())
	}
}

type compareRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids"`
	SessionID   string   `json:"session_id,omitempty"`
}

// handleCompare runs the durable comparison workflow. Re-sending the same
// session id resumes an interrupted run.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	p := principal(r)

	result, err := s.Comparisons.Compare(r.Context(), p, req.SessionID, req.Query, req.DocumentIDs)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"result":     result,
	})
}
