package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"courseta/internal/index"
	"courseta/internal/normalize"
	"courseta/internal/pipeline"
	"courseta/internal/query"
	"courseta/internal/storage"
	"courseta/internal/synthesis"
)

type fakeAnswerer struct {
	resp        pipeline.Response
	err         error
	gotQuestion string
	gotAttached []query.Attachment
}

func (f *fakeAnswerer) Answer(_ context.Context, question string, attachments []query.Attachment, _ string) (pipeline.Response, error) {
	f.gotQuestion = question
	f.gotAttached = attachments
	return f.resp, f.err
}

type fakeIngester struct {
	report  pipeline.Report
	gotRaws []normalize.RawDocument
}

func (f *fakeIngester) Ingest(_ context.Context, raws []normalize.RawDocument) (pipeline.Report, error) {
	f.gotRaws = raws
	return f.report, nil
}

const testToken = "secret-token"

func newTestHandler(t *testing.T, answerer *fakeAnswerer, ingester *fakeIngester) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := index.New(store.DB())
	return NewHandler(Deps{
		Pipeline: answerer,
		Ingester: ingester,
		Store:    store,
		Index:    idx,
		Deleter:  idx,
		Token:    testToken,
	}), store
}

func TestAsk(t *testing.T) {
	fa := &fakeAnswerer{resp: pipeline.Response{
		Answer: synthesis.Answer{
			Answer: "Use gradient clipping.",
			Links:  []synthesis.Link{{URL: "https://course/clip", Text: "Clipping keeps gradients bounded..."}},
		},
	}}
	h, _ := newTestHandler(t, fa, &fakeIngester{})

	body := `{"question": "how do I stop exploding gradients?"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp AskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "Use gradient clipping." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Links) != 1 || resp.Links[0].URL != "https://course/clip" {
		t.Errorf("links = %v", resp.Links)
	}
}

func TestAsk_WithImage(t *testing.T) {
	fa := &fakeAnswerer{resp: pipeline.Response{Answer: synthesis.Answer{Answer: "ok", Links: []synthesis.Link{}}}}
	h, _ := newTestHandler(t, fa, &fakeIngester{})

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	body, _ := json.Marshal(AskRequest{
		Question: "what does this diagram show?",
		Image:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(fa.gotAttached) != 1 {
		t.Fatalf("attachments = %d, want 1", len(fa.gotAttached))
	}
	if fa.gotAttached[0].MimeType != "image/png" {
		t.Errorf("mime = %q", fa.gotAttached[0].MimeType)
	}
	if !bytes.Equal(fa.gotAttached[0].Data, png) {
		t.Error("attachment bytes mangled in transit")
	}
}

func TestAsk_InvalidImageBecomesWarning(t *testing.T) {
	fa := &fakeAnswerer{resp: pipeline.Response{Answer: synthesis.Answer{Answer: "ok", Links: []synthesis.Link{}}}}
	h, _ := newTestHandler(t, fa, &fakeIngester{})

	body := `{"question": "q", "image": "%%%not-base64%%%"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite bad attachment", rec.Code)
	}
	var resp AskResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", resp.Warnings)
	}
	if len(fa.gotAttached) != 0 {
		t.Errorf("attachments = %d, want none", len(fa.gotAttached))
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/", strings.NewReader(`{"question": "  "}`)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIngest_RequiresAuth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/ingest", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rec.Code)
	}
}

func TestIngest(t *testing.T) {
	fi := &fakeIngester{report: pipeline.Report{DocumentsIndexed: 1, ChunksIndexed: 3}}
	h, _ := newTestHandler(t, &fakeAnswerer{}, fi)

	body := `{"documents": [{"source_url": "https://course/a", "title": "A", "content": "lesson text", "corpus": "course"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(fi.gotRaws) != 1 || fi.gotRaws[0].Corpus != storage.CorpusCourse {
		t.Errorf("raws = %+v", fi.gotRaws)
	}
	var resp IngestResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.DocumentsIndexed != 1 || resp.ChunksIndexed != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestIngest_UnknownCorpus(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	body := `{"documents": [{"source_url": "https://x", "content": "text", "corpus": "wiki"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ingest", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestDeleteDocument_NotFound(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/documents?url=https://course/missing", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{}, &fakeIngester{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Documents != 0 || resp.Chunks != 0 {
		t.Errorf("response = %+v, want empty index", resp)
	}
}
