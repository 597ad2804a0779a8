package mivaa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Endpoints are the MIVAA REST paths. "{id}" is replaced with the
// escaped job or document id.
type Endpoints struct {
	Submit   string `yaml:"submit"`
	Status   string `yaml:"status"`
	Progress string `yaml:"progress"`
	Chunks   string `yaml:"chunks"`
	Images   string `yaml:"images"`
	Search   string `yaml:"search"`
	Health   string `yaml:"health"`
	Products string `yaml:"products"`
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Submit:   "/api/bulk/process",
		Status:   "/api/jobs/{id}/status",
		Progress: "/api/jobs/{id}/progress",
		Chunks:   "/api/documents/documents/{id}/chunks",
		Images:   "/api/documents/documents/{id}/images",
		Search:   "/api/search/semantic",
		Health:   "/api/v1/health",
		Products: "/api/products/create-from-chunks",
	}
}

// WithDefaults fills empty paths from DefaultEndpoints.
func (e Endpoints) WithDefaults() Endpoints {
	d := DefaultEndpoints()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&e.Submit, d.Submit)
	fill(&e.Status, d.Status)
	fill(&e.Progress, d.Progress)
	fill(&e.Chunks, d.Chunks)
	fill(&e.Images, d.Images)
	fill(&e.Search, d.Search)
	fill(&e.Health, d.Health)
	fill(&e.Products, d.Products)
	return e
}

func expand(path, id string) string {
	return strings.ReplaceAll(path, "{id}", url.PathEscape(id))
}

// Gateway action names.
const (
	ActionSubmit   = "bulk_process"
	ActionStatus   = "get_job_status"
	ActionProgress = "get_job_progress"
	ActionChunks   = "get_document_chunks"
	ActionImages   = "get_document_images"
	ActionSearch   = "semantic_search"
	ActionHealth   = "health_check"

	ActionCreateProducts = "create_products_from_chunks"
)

type Client struct {
	transport Transport
	endpoints Endpoints
	fields    FieldMap
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	sleep     sleeper
}

type Option func(*Client)

func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e.WithDefaults() }
}

func WithFieldMap(m FieldMap) Option {
	return func(c *Client) { c.fields = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func withClock(now func() time.Time, sleep sleeper) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		endpoints: DefaultEndpoints(),
		fields:    DefaultFieldMap(),
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Fields() FieldMap { return c.fields }

type bulkRequest struct {
	URLs    []string          `json:"urls"`
	Options ProcessingOptions `json:"options"`
}

// Submit posts the source URLs to the bulk endpoint and returns a handle
// for the created job. It is never retried.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (JobHandle, error) {
	if len(req.URLs) == 0 {
		return JobHandle{}, errors.New("submit: at least one source URL is required")
	}
	for _, raw := range req.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return JobHandle{}, fmt.Errorf("submit: invalid source URL %q", raw)
		}
	}

	body, err := c.transport.Do(ctx, Call{
		Action: ActionSubmit,
		Method: http.MethodPost,
		Path:   c.endpoints.Submit,
		Body:   bulkRequest{URLs: req.URLs, Options: req.Options},
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("submit: %w", err)
	}

	id, path, err := c.fields.JobID(body)
	if err != nil {
		c.logger.Error("submission response has no usable job id", "body", truncate(string(body), 2000), "error", err)
		return JobHandle{}, fmt.Errorf("submit: %w", err)
	}
	c.logger.Info("job submitted", "job_id", id, "matched", path, "urls", len(req.URLs))
	return JobHandle{ID: id, SubmittedAt: c.now(), MatchedPath: path}, nil
}

// Status fetches the current job status.
func (c *Client) Status(ctx context.Context, jobID string) (JobSnapshot, error) {
	return c.snapshot(ctx, ActionStatus, c.endpoints.Status, jobID)
}

// Progress fetches the job progress endpoint, which some deployments fill
// in more eagerly than the status endpoint.
func (c *Client) Progress(ctx context.Context, jobID string) (JobSnapshot, error) {
	return c.snapshot(ctx, ActionProgress, c.endpoints.Progress, jobID)
}

func (c *Client) snapshot(ctx context.Context, action, path, jobID string) (JobSnapshot, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobSnapshot{}, fmt.Errorf("%s: empty job id", action)
	}
	body, err := c.transport.Do(ctx, Call{
		Action: action,
		Method: http.MethodGet,
		Path:   expand(path, jobID),
		Params: map[string]string{"job_id": jobID},
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return JobSnapshot{}, fmt.Errorf("%s %s: %w", action, jobID, ErrJobNotFound)
		}
		return JobSnapshot{}, err
	}
	snap, err := c.fields.Snapshot(body, action)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			c.logger.Debug("unparseable status body", "job_id", jobID, "body", truncate(string(body), 2000))
		}
		return JobSnapshot{}, err
	}
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	return snap, nil
}

// FetchResult re-reads the job status and resolves its payload.
func (c *Client) FetchResult(ctx context.Context, h JobHandle) (Payload, error) {
	snap, err := c.Status(ctx, h.ID)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch result: %w", err)
	}
	return c.PayloadFor(ctx, snap)
}

// PayloadFor returns the inline chunks/images of snap when present, and
// otherwise follows its document_id to the document endpoints.
func (c *Client) PayloadFor(ctx context.Context, snap JobSnapshot) (Payload, error) {
	if snap.HasInline && len(snap.Chunks)+len(snap.Images) > 0 {
		return Payload{DocumentID: snap.DocumentID, Chunks: snap.Chunks, Images: snap.Images}, nil
	}
	if snap.DocumentID == "" {
		return Payload{}, fmt.Errorf("job %s: %w", snap.JobID, ErrNoDocument)
	}
	return c.Document(ctx, snap.DocumentID)
}

// Document fetches chunks and images for a document. Chunks are required;
// an image failure is logged and recorded on the payload.
func (c *Client) Document(ctx context.Context, documentID string) (Payload, error) {
	p := Payload{DocumentID: documentID}

	chunks, err := c.Chunks(ctx, documentID)
	if err != nil {
		return p, err
	}
	p.Chunks = chunks

	images, err := c.Images(ctx, documentID)
	if err != nil {
		c.logger.Warn("image fetch failed, continuing with chunks only", "document_id", documentID, "error", err)
		p.ImagesErr = err
		return p, nil
	}
	p.Images = images
	return p, nil
}

func (c *Client) Chunks(ctx context.Context, documentID string) ([]Chunk, error) {
	body, err := c.transport.Do(ctx, Call{
		Action: ActionChunks,
		Method: http.MethodGet,
		Path:   expand(c.endpoints.Chunks, documentID),
		Params: map[string]string{"document_id": documentID},
	})
	if err != nil {
		return nil, fmt.Errorf("chunks for %s: %w", documentID, err)
	}
	chunks, path, err := c.fields.ChunkList(body)
	if err != nil {
		return nil, fmt.Errorf("chunks for %s: %w", documentID, err)
	}
	c.logger.Debug("chunks fetched", "document_id", documentID, "count", len(chunks), "matched", path)
	return chunks, nil
}

func (c *Client) Images(ctx context.Context, documentID string) ([]Image, error) {
	body, err := c.transport.Do(ctx, Call{
		Action: ActionImages,
		Method: http.MethodGet,
		Path:   expand(c.endpoints.Images, documentID),
		Params: map[string]string{"document_id": documentID},
	})
	if err != nil {
		return nil, fmt.Errorf("images for %s: %w", documentID, err)
	}
	images, path, err := c.fields.ImageList(body)
	if err != nil {
		return nil, fmt.Errorf("images for %s: %w", documentID, err)
	}
	c.logger.Debug("images fetched", "document_id", documentID, "count", len(images), "matched", path)
	return images, nil
}

func (c *Client) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("search: empty query")
	}
	body, err := c.transport.Do(ctx, Call{
		Action: ActionSearch,
		Method: http.MethodPost,
		Path:   c.endpoints.Search,
		Body:   req,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits, _, err := c.fields.Hits(body)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	body, err := c.transport.Do(ctx, Call{
		Action: ActionHealth,
		Method: http.MethodGet,
		Path:   c.endpoints.Health,
	})
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	if err := checkBody(body, ActionHealth); err != nil {
		return Health{}, err
	}
	h := Health{Status: "ok", Raw: body}
	for _, p := range []string{"status", "data.status", "health"} {
		if r := gjson.GetBytes(body, p); text(r) {
			h.Status = r.Str
			break
		}
	}
	return h, nil
}

// CreateProducts asks MIVAA to classify a processed document's chunks into
// product rows. The call is synchronous and can take minutes.
func (c *Client) CreateProducts(ctx context.Context, req ProductRequest) (ProductResult, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return ProductResult{}, errors.New("create products: empty document id")
	}
	body, err := c.transport.Do(ctx, Call{
		Action: ActionCreateProducts,
		Method: http.MethodPost,
		Path:   c.endpoints.Products,
		Body:   req,
	})
	if err != nil {
		return ProductResult{}, fmt.Errorf("create products: %w", err)
	}
	res, err := parseProducts(body)
	if err != nil {
		c.logger.Debug("unparseable product response", "document_id", req.DocumentID, "body", truncate(string(body), 2000))
		return ProductResult{}, fmt.Errorf("create products: %w", err)
	}
	c.logger.Info("products created", "document_id", req.DocumentID, "created", res.ProductsCreated, "failed", res.ProductsFailed)
	return res, nil
}

// Probe returns the parsed status together with every path that matched,
// for deployments whose response shape is not yet known.
func (c *Client) Probe(ctx context.Context, jobID string) (JobSnapshot, error) {
	snap, err := c.Status(ctx, jobID)
	if err != nil {
		return snap, err
	}
	if prog, perr := c.Progress(ctx, jobID); perr == nil {
		for k, v := range prog.Matched {
			if _, ok := snap.Matched[k]; !ok {
				snap.Matched["progress_endpoint."+k] = v
			}
		}
		if !snap.HasProgress && prog.HasProgress {
			snap.Progress, snap.HasProgress = prog.Progress, true
		}
	} else {
		c.logger.Debug("progress endpoint unavailable", "job_id", jobID, "error", perr)
	}
	return snap, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
