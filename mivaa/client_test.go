package mivaa

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDirectTransport_Submit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/bulk/process", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"https://example.com/harmony.pdf"}, body["urls"])
		opts := body["options"].(map[string]any)
		assert.Equal(t, true, opts["extract_images"])
		assert.Equal(t, float64(512), opts["chunk_size"])
		_, hasTables := opts["extract_tables"]
		assert.False(t, hasTables, "unset options must be omitted")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"job_id":"bulk_20251015_093210","status":"queued"}}`))
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "test-token", time.Second), WithLogger(quietLogger()))
	h, err := c.Submit(context.Background(), SubmitRequest{
		URLs:    []string{"https://example.com/harmony.pdf"},
		Options: ProcessingOptions{ExtractImages: ptr(true), ChunkSize: ptr(512)},
	})
	require.NoError(t, err)
	assert.Equal(t, "bulk_20251015_093210", h.ID)
	assert.Equal(t, "data.job_id", h.MatchedPath)
	assert.False(t, h.SubmittedAt.IsZero())
}

func TestSubmit_ValidatesInputBeforeCalling(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{body: `{"job_id":"x"}`}}}
	c := NewClient(tr, WithLogger(quietLogger()))

	_, err := c.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)
	_, err = c.Submit(context.Background(), SubmitRequest{URLs: []string{"ftp://example.com/a.pdf"}})
	assert.Error(t, err)
	_, err = c.Submit(context.Background(), SubmitRequest{URLs: []string{"/local/file.pdf"}})
	assert.Error(t, err)
	assert.Empty(t, tr.calls)
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		target error
	}{
		{"no job id", http.StatusOK, `{"message":"accepted"}`, ErrNoShapeMatched},
		{"html error page", http.StatusOK, `<html>oops</html>`, ErrMalformedBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
			_, err := c.Submit(context.Background(), SubmitRequest{URLs: []string{"https://example.com/a.pdf"}})
			assert.ErrorIs(t, err, tt.target)
		})
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"urls required"}`))
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	_, err := c.Submit(context.Background(), SubmitRequest{URLs: []string{"https://example.com/a.pdf"}})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "urls required")
}

func TestStatus_404IsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/unknown%2Fid/status", r.URL.EscapedPath())
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	_, err := c.Status(context.Background(), "unknown/id")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGatewayTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/functions/v1/mivaa-gateway", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))

		var req struct {
			Action  string         `json:"action"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Action {
		case ActionSubmit:
			assert.Equal(t, []any{"https://example.com/a.pdf"}, req.Payload["urls"])
			w.Write([]byte(`{"success":true,"data":{"data":{"job_id":"bulk_gw"}}}`))
		case ActionStatus:
			assert.Equal(t, "bulk_gw", req.Payload["job_id"])
			w.Write([]byte(`{"success":true,"data":{"status":"completed","progress":100,"details":{"document_id":"doc-9"}}}`))
		default:
			t.Errorf("unexpected action %q", req.Action)
		}
	}))
	defer server.Close()

	c := NewClient(NewGatewayTransport(server.URL+"/", "service-key", "", time.Second), WithLogger(quietLogger()))
	h, err := c.Submit(context.Background(), SubmitRequest{URLs: []string{"https://example.com/a.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, "bulk_gw", h.ID)
	assert.Equal(t, "data.data.job_id", h.MatchedPath)

	snap, err := c.Status(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, snap.Phase)
	assert.Equal(t, "doc-9", snap.DocumentID)
	assert.Equal(t, "bulk_gw", snap.JobID)
}

func documentServer(t *testing.T, imagesStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/documents/documents/doc-1/chunks":
			w.Write([]byte(`{"success":true,"data":[{"id":"c1","content":"abc","embedding":[0.1,0.2]},{"id":"c2","content":"defgh"}]}`))
		case "/api/documents/documents/doc-1/images":
			if imagesStatus != http.StatusOK {
				w.WriteHeader(imagesStatus)
				return
			}
			w.Write([]byte(`{"images":[{"id":"i1","url":"https://cdn/i1.png"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestPayloadFor_FollowsDocumentID(t *testing.T) {
	server := documentServer(t, http.StatusOK)
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	p, err := c.PayloadFor(context.Background(), JobSnapshot{JobID: "bulk_1", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", p.DocumentID)
	assert.Len(t, p.Chunks, 2)
	assert.Len(t, p.Images, 1)
	assert.NoError(t, p.ImagesErr)
}

func TestPayloadFor_ImageFailureDegrades(t *testing.T) {
	server := documentServer(t, http.StatusInternalServerError)
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	p, err := c.PayloadFor(context.Background(), JobSnapshot{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Len(t, p.Chunks, 2)
	assert.Empty(t, p.Images)
	assert.Error(t, p.ImagesErr)
}

func TestPayloadFor_InlineAndMissingDocument(t *testing.T) {
	tr := &scriptedTransport{responses: []scripted{{err: errors.New("must not be called")}}}
	c := NewClient(tr, WithLogger(quietLogger()))

	p, err := c.PayloadFor(context.Background(), JobSnapshot{HasInline: true, Chunks: []Chunk{{ID: "c1"}}})
	require.NoError(t, err)
	assert.Len(t, p.Chunks, 1)
	assert.Empty(t, tr.calls)

	_, err = c.PayloadFor(context.Background(), JobSnapshot{JobID: "bulk_1"})
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestSearchAndHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/search/semantic":
			var req SearchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "oak flooring", req.Query)
			assert.Equal(t, 5, req.Limit)
			w.Write([]byte(`{"data":{"results":[{"id":"c1","score":0.91},{"id":"c2","score":0.72}]}}`))
		case "/api/v1/health":
			w.Write([]byte(`{"status":"healthy"}`))
		}
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	hits, err := c.Search(context.Background(), SearchRequest{Query: "oak flooring", Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 0.91, hits[0].Score)

	_, err = c.Search(context.Background(), SearchRequest{Query: "  "})
	assert.Error(t, err)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestEndToEnd_SubmitPollFetch(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/bulk/process":
			w.Write([]byte(`{"job_id":"bulk_e2e"}`))
		case "/api/jobs/bulk_e2e/status":
			switch polls.Add(1) {
			case 1:
				w.Write([]byte(`{"status":"queued"}`))
			case 2:
				w.Write([]byte(`{"status":"processing","progress":50}`))
			default:
				w.Write([]byte(`{"status":"completed","progress":100,"result":{"document_id":"doc-1"}}`))
			}
		case "/api/documents/documents/doc-1/chunks":
			w.Write([]byte(`[{"id":"c1","content":"x"}]`))
		case "/api/documents/documents/doc-1/images":
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	ctx := context.Background()

	h, err := c.Submit(ctx, SubmitRequest{URLs: []string{"https://example.com/test.pdf"}})
	require.NoError(t, err)

	res, err := c.AwaitCompletion(ctx, h, Policy{Interval: time.Millisecond, MaxAttempts: 50})
	require.NoError(t, err)
	require.True(t, res.State.Terminal())
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Attempts)

	p, err := c.PayloadFor(ctx, res.Final)
	require.NoError(t, err)
	assert.Len(t, p.Chunks, 1)
	assert.Empty(t, p.Images)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&HTTPError{StatusCode: 503}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 429}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 400}))
	assert.False(t, IsTransient(&APIError{Message: "bad"}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
}

func TestIsTransient_URLErrors(t *testing.T) {
	wrap := func(err error) error {
		return &url.Error{Op: "Get", URL: "https://mivaa.example/api/jobs/x/status", Err: err}
	}
	assert.True(t, IsTransient(wrap(context.DeadlineExceeded)))
	assert.True(t, IsTransient(wrap(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")})))
	assert.True(t, IsTransient(wrap(&net.DNSError{Err: "no such host", Name: "mivaa.example"})))
	assert.True(t, IsTransient(wrap(io.ErrUnexpectedEOF)))

	assert.False(t, IsTransient(wrap(x509.UnknownAuthorityError{})))
	assert.False(t, IsTransient(wrap(errors.New("unsupported protocol scheme \"htp\""))))
}

func TestEndpoints_WithDefaults(t *testing.T) {
	e := Endpoints{Status: "/v2/jobs/{id}"}.WithDefaults()
	assert.Equal(t, "/v2/jobs/{id}", e.Status)
	assert.Equal(t, DefaultEndpoints().Submit, e.Submit)
	assert.Equal(t, "/v2/jobs/a%20b", expand(e.Status, "a b"))
}

func TestCreateProducts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/products/create-from-chunks", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "doc-1", body["document_id"])
		assert.Equal(t, "ws-1", body["workspace_id"])
		assert.Contains(t, body, "max_products")
		assert.Nil(t, body["max_products"])
		assert.Equal(t, 100.0, body["min_chunk_length"])
		w.Write([]byte(`{"success":true,"products_created":9,"products_failed":1,"chunks_processed":120,"total_chunks":130,"stage1_candidates":14,"stage1_time":3.5,"total_time":41.25}`))
	}))
	defer server.Close()

	c := NewClient(NewDirectTransport(server.URL, "", time.Second), WithLogger(quietLogger()))
	res, err := c.CreateProducts(context.Background(), ProductRequest{DocumentID: "doc-1", WorkspaceID: "ws-1", MinChunkLength: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.ProductsCreated)
	assert.Equal(t, int64(1), res.ProductsFailed)
	assert.Equal(t, int64(120), res.ChunksProcessed)
	assert.Equal(t, int64(130), res.TotalChunks)
	assert.Equal(t, int64(14), res.Stage1Candidates)
	assert.Zero(t, res.EligibleChunks)
	assert.Equal(t, map[string]float64{"stage1_time": 3.5, "total_time": 41.25}, res.Timings)
}

func TestCreateProducts_Failures(t *testing.T) {
	tests := []struct {
		name string
		resp scripted
		want func(t *testing.T, err error)
	}{
		{"api error", scripted{body: `{"success":false,"error":"document has no chunks"}`}, func(t *testing.T, err error) {
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "document has no chunks", apiErr.Message)
		}},
		{"no counters", scripted{body: `{"success":true,"message":"queued"}`}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNoShapeMatched)
		}},
		{"gateway envelope", scripted{body: `{"data":{"products_created":"3"}}`}, func(t *testing.T, err error) {
			assert.NoError(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{responses: []scripted{tt.resp}}
			c := NewClient(tr, WithLogger(quietLogger()))
			_, err := c.CreateProducts(context.Background(), ProductRequest{DocumentID: "doc-1"})
			tt.want(t, err)
			require.Len(t, tr.calls, 1)
			assert.Equal(t, ActionCreateProducts, tr.calls[0].Action)
		})
	}

	c := NewClient(&scriptedTransport{}, WithLogger(quietLogger()))
	_, err := c.CreateProducts(context.Background(), ProductRequest{})
	assert.Error(t, err)
}
