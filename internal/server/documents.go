package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/extract"
	"github.com/parchment-ai/ragserver/internal/generation"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/vectorstore"
)

type documentResponse struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	ByteSize   int64     `json:"byte_size"`
	UploadTime time.Time `json:"upload_time"`
	ChunkCount int       `json:"chunk_count"`
	TenantKey  string    `json:"tenant_key,omitempty"`
	Shared     bool      `json:"shared"`
}

func documentToResponse(d graphstore.Document) documentResponse {
	return documentResponse{
		ID:         d.ID,
		Filename:   d.Filename,
		FileType:   d.FileType,
		ByteSize:   d.ByteSize,
		UploadTime: d.UploadTime,
		ChunkCount: d.ChunkCount,
		Shared:     d.TenantKey == auth.SharedTenantKey,
	}
}

// handleUpload accepts a multipart upload and enqueues ingestion, replying
// 202 with the new document id before the pipeline runs.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes+4096)
	if err := r.ParseMultipartForm(s.Config.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "failed to read upload")
		return
	}

	documentID, err := s.Ingestor.Ingest(r.Context(), p.TenantKey(), p.Kind == auth.KindAnonymous, header.Filename, data)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedType) {
			writeError(w, http.StatusBadRequest, codeValidation, "only PDF and DOCX files are supported")
			return
		}
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": documentID,
		"status_url":  "/api/v1/documents/" + documentID + "/status",
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	docs, err := s.Graph.ListDocuments(r.Context(), p.VisibleTenantKeys())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentToResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	doc, err := s.Graph.GetDocument(r.Context(), p.VisibleTenantKeys(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(*doc))
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "id")

	if _, err := s.Graph.GetDocument(r.Context(), p.VisibleTenantKeys(), id); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	record, err := s.Ingestor.Status(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleDeleteDocument removes a document. Only the owning tenant may
// delete; shared visibility does not grant deletion.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "id")

	if _, err := s.Graph.GetDocument(r.Context(), []string{p.TenantKey()}, id); err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			// Distinguish "not yours" from "does not exist".
			if _, visErr := s.Graph.GetDocument(r.Context(), p.VisibleTenantKeys(), id); visErr == nil {
				writeError(w, http.StatusForbidden, codeForbidden, "only the owner can delete a document")
				return
			}
		}
		s.writeMappedError(w, r, err)
		return
	}

	if err := s.Ingestor.Delete(r.Context(), p.TenantKey(), id); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDocumentSummary serves a cached summary in the requested format,
// generating and caching it on miss. refresh=true forces regeneration.
func (s *Server) handleDocumentSummary(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := chi.URLParam(r, "id")

	format := r.URL.Query().Get("format")
	if format == "" {
		format = generation.FormatBrief
	}
	if !generation.ValidFormat(format) {
		writeError(w, http.StatusBadRequest, codeValidation, "format must be one of brief, detailed, executive, bullet")
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"

	doc, err := s.Graph.GetDocument(r.Context(), p.VisibleTenantKeys(), id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	if !refresh {
		if cached, ok := doc.SummaryCache[format]; ok && cached != "" {
			writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "format": format, "summary": cached, "cached": true})
			return
		}
	}

	text, err := s.documentText(r, doc)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	summary, err := s.Generator.Summarize(r.Context(), text, format)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if err := s.Graph.SetDocumentSummary(r.Context(), id, format, summary); err != nil {
		s.Logger.Warn("failed to cache summary", "document_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "format": format, "summary": summary, "cached": false})
}

// documentText reassembles a document's text from its indexed chunks in
// position order.
func (s *Server) documentText(r *http.Request, doc *graphstore.Document) (string, error) {
	var points []vectorstore.Point
	offset := ""
	filter := vectorstore.Filter{TenantKeys: []string{doc.TenantKey}, DocumentIDs: []string{doc.ID}}
	for {
		page, next, err := s.Vectors.Scroll(r.Context(), vectorstore.CollectionDocuments, filter, 256, offset)
		if err != nil {
			return "", err
		}
		points = append(points, page...)
		if next == "" {
			break
		}
		offset = next
	}
	if len(points) == 0 {
		return "", graphstore.ErrNotFound
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Position < points[j].Position })
	parts := make([]string, len(points))
	for i, pt := range points {
		parts[i] = pt.Text
	}
	return strings.Join(parts, "\n\n"), nil
}
