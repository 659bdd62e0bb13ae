// Package api exposes the question-answering service over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"courseta/internal/normalize"
	"courseta/internal/pipeline"
	"courseta/internal/provider"
	"courseta/internal/query"
	"courseta/internal/storage"
	"courseta/internal/synthesis"
)

const maxRequestBodySize = 10 << 20 // 10MB; room for base64 image attachments

// Answerer resolves a question into a cited answer.
type Answerer interface {
	Answer(ctx context.Context, question string, attachments []query.Attachment, sessionID string) (pipeline.Response, error)
}

// Ingester indexes a batch of raw documents.
type Ingester interface {
	Ingest(ctx context.Context, raws []normalize.RawDocument) (pipeline.Report, error)
}

// IndexStats reports index size and configuration for the status endpoint.
type IndexStats interface {
	Count() (int, error)
	Dimension() (int, error)
}

// DocumentDeleter removes a document and its chunks from the index.
type DocumentDeleter interface {
	DeleteDocument(documentID string) error
}

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Pipeline Answerer
	Ingester Ingester
	Store    *storage.Store
	Index    IndexStats
	Deleter  DocumentDeleter
	Token    string // bearer token guarding the admin routes
}

// NewHandler builds the full router. The ask endpoint and health check are
// public; ingestion and document management require the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/api/", handleAsk(deps))

	r.Group(func(admin chi.Router) {
		admin.Use(BearerAuth(deps.Token))
		admin.Post("/ingest", handleIngest(deps))
		admin.Get("/documents", handleListDocuments(deps))
		admin.Delete("/documents", handleDeleteDocument(deps))
		admin.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// AskRequest is a student question, optionally with a base64-encoded image.
type AskRequest struct {
	Question  string `json:"question"`
	Image     string `json:"image,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// AskResponse mirrors synthesis.Answer plus any attachment warnings.
type AskResponse struct {
	Answer   string           `json:"answer"`
	Links    []synthesis.Link `json:"links"`
	Warnings []string         `json:"warnings,omitempty"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		attachments, warnings := decodeImage(req.Image)

		resp, err := deps.Pipeline.Answer(r.Context(), req.Question, attachments, req.SessionID)
		if err != nil {
			if errors.Is(err, provider.ErrUnavailable) {
				httpError(w, http.StatusBadGateway, "api_error", "model provider unavailable: %v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "answering failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AskResponse{
			Answer:   resp.Answer.Answer,
			Links:    resp.Answer.Links,
			Warnings: append(warnings, resp.Warnings...),
		})
	}
}

// decodeImage turns a base64 payload (optionally a data URI) into an
// attachment. A payload that fails to decode becomes a warning, never a
// request failure.
func decodeImage(image string) ([]query.Attachment, []string) {
	if image == "" {
		return nil, nil
	}
	mimeType := ""
	if strings.HasPrefix(image, "data:") {
		header, rest, ok := strings.Cut(image, ",")
		if !ok {
			return nil, []string{"attachment: malformed data URI"}
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		image = rest
	}
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, []string{fmt.Sprintf("attachment: invalid base64: %v", err)}
	}
	return []query.Attachment{{MimeType: mimeType, Data: data}}, nil
}

// IngestRequest is a batch of scraped documents to index.
type IngestRequest struct {
	Documents []IngestDocument `json:"documents"`
}

// IngestDocument is one scraped page or forum post on the wire.
type IngestDocument struct {
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	Data      string    `json:"data,omitempty"` // base64, for binary formats
	MimeType  string    `json:"mime_type,omitempty"`
	Corpus    string    `json:"corpus"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// IngestResponse reports what an ingestion run did.
type IngestResponse struct {
	DocumentsIndexed int      `json:"documents_indexed"`
	ChunksIndexed    int      `json:"chunks_indexed"`
	Skipped          int      `json:"skipped"`
	Errors           []string `json:"errors,omitempty"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Documents) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "documents is required and must not be empty")
			return
		}

		raws := make([]normalize.RawDocument, 0, len(req.Documents))
		for i, d := range req.Documents {
			corpus, err := storage.ParseCorpus(d.Corpus)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "documents[%d]: %v", i, err)
				return
			}
			var data []byte
			if d.Data != "" {
				data, err = base64.StdEncoding.DecodeString(d.Data)
				if err != nil {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "documents[%d]: invalid base64 data: %v", i, err)
					return
				}
			}
			raws = append(raws, normalize.RawDocument{
				SourceURL: d.SourceURL,
				Title:     d.Title,
				RawText:   d.Content,
				Data:      data,
				MimeType:  d.MimeType,
				Corpus:    corpus,
				FetchedAt: d.FetchedAt,
			})
		}

		report, err := deps.Ingester.Ingest(r.Context(), raws)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IngestResponse{
			DocumentsIndexed: report.DocumentsIndexed,
			ChunksIndexed:    report.ChunksIndexed,
			Skipped:          report.Skipped,
			Errors:           report.Errors,
		})
	}
}

// DocumentSummary is the document list wire representation; raw text is
// omitted to keep responses small.
type DocumentSummary struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title"`
	Corpus    string    `json:"corpus"`
	FetchedAt time.Time `json:"fetched_at"`
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		if limit > 500 {
			limit = 500
		}
		offset := queryInt(r, "offset", 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		out := make([]DocumentSummary, len(docs))
		for i, d := range docs {
			out[i] = DocumentSummary{
				ID:        d.ID,
				SourceURL: d.SourceURL,
				Title:     d.Title,
				Corpus:    string(d.Corpus),
				FetchedAt: d.FetchedAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}

		doc, err := deps.Store.GetDocumentByURL(url)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no document with url %s", url)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "looking up document: %v", err)
			return
		}

		if err := deps.Deleter.DeleteDocument(doc.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"deleted": doc.ID})
	}
}

// StatusResponse summarizes the index for operators.
type StatusResponse struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Dimension int `json:"dimension"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.CountDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting documents: %v", err)
			return
		}
		chunks, err := deps.Index.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}
		dim, err := deps.Index.Dimension()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading index dimension: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatusResponse{Documents: docs, Chunks: chunks, Dimension: dim})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
