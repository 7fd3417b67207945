package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/chat"
	"github.com/xhad/papyrus/pkg/chunker"
	"github.com/xhad/papyrus/pkg/linker"
	"github.com/xhad/papyrus/pkg/pipeline"
	"github.com/xhad/papyrus/pkg/retriever"
	"github.com/xhad/papyrus/pkg/retry"
	"github.com/xhad/papyrus/pkg/store"
)

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ string) ([]models.RawElement, int, error) {
	return []models.RawElement{
		{Kind: models.ElementText, Page: 1, Content: "The annual revenue grew to $12M."},
		{Kind: models.ElementTable, Page: 1, Locator: "tables/rev.png", Caption: "Revenue Table", Rows: 4, Columns: 2},
	}, 1, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEmbedder) Dimension() int { return 2 }

type stubModel struct{}

func (stubModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "The revenue was $12M."}}}, nil
}

func (m stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	return newTestServerWith(t, stubExtractor{})
}

func newTestServerWith(t *testing.T, ext types.Extractor) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()

	ch, err := chunker.NewWithConfig(chunker.ChunkerConfig{})
	require.NoError(t, err)
	lk, err := linker.NewWithConfig(linker.LinkerConfig{}, s)
	require.NoError(t, err)
	p, err := pipeline.New(s, ext, ch, stubEmbedder{}, lk)
	require.NoError(t, err)

	ret, err := retriever.NewWithConfig(retriever.RetrieverConfig{}, stubEmbedder{}, s)
	require.NoError(t, err)
	engine, err := chat.NewWithConfig(chat.EngineConfig{
		Retry: retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, stubModel{}, ret, s)
	require.NoError(t, err)

	srv := httptest.NewServer(New(s, p, engine).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func waitForStatus(t *testing.T, s *store.MemoryStore, id string, want models.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := s.GetDocument(context.Background(), id)
		require.NoError(t, err)
		if doc.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document %s never reached status %s", id, want)
}

func TestIngestAndStatus(t *testing.T) {
	srv, s := newTestServer(t)

	resp := postJSON(t, srv.URL+"/documents", map[string]string{"source": "report.html"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	doc := decode[documentResponse](t, resp)
	assert.Equal(t, "report.html", doc.Filename)

	waitForStatus(t, s, doc.ID, models.StatusCompleted)

	getResp, err := http.Get(srv.URL + "/documents/" + doc.ID)
	require.NoError(t, err)
	got := decode[documentResponse](t, getResp)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 1, got.ChunkCount)
	assert.Equal(t, 1, got.TableCount)
}

func TestIngestRequiresSource(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/documents", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetMissingDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/documents/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestChatTurnAndConversationRead(t *testing.T) {
	srv, s := newTestServer(t)

	ingest := decode[documentResponse](t, postJSON(t, srv.URL+"/documents", map[string]string{"source": "report.html"}))
	waitForStatus(t, s, ingest.ID, models.StatusCompleted)

	resp := postJSON(t, srv.URL+"/chat", map[string]string{
		"message":     "What is the revenue?",
		"document_id": ingest.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answer := decode[chatResponse](t, resp)
	assert.Equal(t, "The revenue was $12M.", answer.Answer)
	assert.NotEmpty(t, answer.ConversationID)
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, models.SourceText, answer.Sources[0].Kind)

	convResp, err := http.Get(srv.URL + "/conversations/" + answer.ConversationID)
	require.NoError(t, err)
	body := decode[struct {
		Messages []messageResponse `json:"messages"`
	}](t, convResp)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "assistant", body.Messages[1].Role)
}

func TestChatAgainstPendingDocumentConflicts(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.CreateDocument(context.Background(), models.Document{ID: "doc", Status: models.StatusPending}))

	resp := postJSON(t, srv.URL+"/chat", map[string]string{
		"message":     "hello",
		"document_id": "doc",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteDocument(t *testing.T) {
	srv, s := newTestServer(t)

	doc := decode[documentResponse](t, postJSON(t, srv.URL+"/documents", map[string]string{"source": "report.html"}))
	waitForStatus(t, s, doc.ID, models.StatusCompleted)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/documents/"+doc.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	_, err = s.GetDocument(context.Background(), doc.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetryAfterError(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc", Filename: "report.html"}))
	claimed, err := s.ClaimDocument(ctx, "doc")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkDocumentError(ctx, "doc", "extraction failed"))

	resp := postJSON(t, srv.URL+"/documents/doc/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitForStatus(t, s, "doc", models.StatusCompleted)
}

// pathExtractor resolves exactly one source, the way a filesystem
// would; anything else is an extraction error.
type pathExtractor struct {
	valid string
}

func (p pathExtractor) Extract(_ context.Context, source string) ([]models.RawElement, int, error) {
	if source != p.valid {
		return nil, 0, fmt.Errorf("no such file: %s", source)
	}
	return []models.RawElement{
		{Kind: models.ElementText, Page: 1, Content: "The annual revenue grew to $12M."},
	}, 1, nil
}

func TestRetryUsesIngestSource(t *testing.T) {
	srv, s := newTestServerWith(t, pathExtractor{valid: "report.html"})

	doc := decode[documentResponse](t, postJSON(t, srv.URL+"/documents", map[string]string{
		"filename": "Quarterly Report",
		"source":   "report.html",
	}))
	assert.Equal(t, "Quarterly Report", doc.Filename)
	assert.Equal(t, "report.html", doc.Source)
	waitForStatus(t, s, doc.ID, models.StatusCompleted)

	resp := postJSON(t, srv.URL+"/documents/"+doc.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The retry extracts from the stored source, not the display
	// filename, so it completes instead of erroring out.
	waitForStatus(t, s, doc.ID, models.StatusCompleted)
	got, err := s.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMessage)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
