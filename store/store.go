package store

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

const (
	TableDocuments         = "documents"
	TableChunks            = "document_chunks"
	TableImages            = "document_images"
	TableProducts          = "products"
	TableProcessingResults = "pdf_processing_results"
	TableJobs              = "jobs"
)

var ErrNotFound = errors.New("row not found")

type Document struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Filename    string     `json:"filename"`
	Status      string     `json:"status"`
	UserID      string     `json:"user_id"`
	StoragePath string     `json:"storage_path"`
	PagesTotal  int        `json:"pages_total"`
	PagesDone   int        `json:"pages_done"`
	CreatedAt   *time.Time `json:"created_at"`
}

// Title is the best human label the row carries.
func (d Document) Title() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Filename != "":
		return d.Filename
	default:
		return d.ID
	}
}

type Job struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Status     string     `json:"status"`
	LastError  string     `json:"last_error"`
	Attempts   int        `json:"attempts"`
	CreatedAt  *time.Time `json:"created_at"`
}

type ChunkRow struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
}

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DocumentID  string `json:"source_document_id"`
	Description string `json:"description"`
}

type ProcessingResult struct {
	ID                  string `json:"id"`
	OriginalFilename    string `json:"original_filename"`
	FileURL             string `json:"file_url"`
	ProcessingStatus    string `json:"processing_status"`
	TotalPages          int    `json:"total_pages"`
	TotalTilesExtracted int    `json:"total_tiles_extracted"`
}

type Coverage struct {
	Total   int64
	With    int64
	Without int64
}

// Store reads the Supabase tables behind the MIVAA platform.
type Store struct {
	client     *supabase.Client
	url        string
	key        string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(apiURL, key string, logger *slog.Logger) (*Store, error) {
	apiURL = strings.TrimRight(apiURL, "/")
	client, err := supabase.NewClient(apiURL, key, nil)
	if err != nil {
		return nil, fmt.Errorf("supabase init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:     client,
		url:        apiURL,
		key:        key,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}, nil
}

func (s *Store) Documents(limit int) ([]Document, error) {
	var docs []Document
	_, err := s.client.From(TableDocuments).
		Select("*", "exact", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&docs)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Document returns one document. An empty id selects the latest one.
func (s *Store) Document(id string) (Document, error) {
	q := s.client.From(TableDocuments).Select("*", "exact", false)
	if id != "" {
		q = q.Eq("id", id)
	}
	var docs []Document
	_, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: false}).Limit(1, "").ExecuteTo(&docs)
	if err != nil {
		return Document{}, fmt.Errorf("fetch document %s: %w", id, err)
	}
	if len(docs) == 0 {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return docs[0], nil
}

func (s *Store) count(table string, filter func(*postgrest.FilterBuilder) *postgrest.FilterBuilder) (int64, error) {
	q := s.client.From(table).Select("id", "exact", true)
	if filter != nil {
		q = filter(q)
	}
	_, n, err := q.Execute()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func byDocument(docID string) func(*postgrest.FilterBuilder) *postgrest.FilterBuilder {
	return func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
		if docID == "" {
			return q
		}
		return q.Eq("document_id", docID)
	}
}

func (s *Store) ChunkCount(docID string) (int64, error) {
	return s.count(TableChunks, byDocument(docID))
}

func (s *Store) ImageCount(docID string) (int64, error) {
	return s.count(TableImages, byDocument(docID))
}

// EmbeddingCoverage counts chunks with and without an embedding. An empty
// docID covers the whole table.
func (s *Store) EmbeddingCoverage(docID string) (Coverage, error) {
	var c Coverage
	var err error
	if c.Total, err = s.count(TableChunks, byDocument(docID)); err != nil {
		return c, err
	}
	if c.With, err = s.count(TableChunks, func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
		return byDocument(docID)(q).Not("embedding", "is", "null")
	}); err != nil {
		return c, err
	}
	if c.Without, err = s.count(TableChunks, func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
		return byDocument(docID)(q).Is("embedding", "null")
	}); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Store) Products(docID string, limit int) ([]Product, error) {
	q := s.client.From(TableProducts).Select("id,name,source_document_id,description", "exact", false)
	if docID != "" {
		q = q.Eq("source_document_id", docID)
	}
	var products []Product
	if _, err := q.Limit(limit, "").ExecuteTo(&products); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// ProcessingResult reads the pdf_processing_results row MIVAA keys by
// document id.
func (s *Store) ProcessingResult(docID string) (ProcessingResult, error) {
	var rows []ProcessingResult
	_, err := s.client.From(TableProcessingResults).
		Select("*", "exact", false).
		Eq("id", docID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return ProcessingResult{}, fmt.Errorf("fetch processing result %s: %w", docID, err)
	}
	if len(rows) == 0 {
		return ProcessingResult{}, fmt.Errorf("processing result %s: %w", docID, ErrNotFound)
	}
	return rows[0], nil
}

// Jobs lists jobs newest first. An empty status lists all of them.
func (s *Store) Jobs(status string, limit int) ([]Job, error) {
	q := s.client.From(TableJobs).Select("id,document_id,status,last_error,attempts,created_at", "exact", false)
	if status != "" {
		q = q.Eq("status", status)
	}
	var jobs []Job
	_, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: false}).Limit(limit, "").ExecuteTo(&jobs)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ResetStuckJobs puts processing and failed jobs back to queued with zero
// attempts. With dryRun it only returns the jobs it would touch.
func (s *Store) ResetStuckJobs(dryRun bool) ([]Job, error) {
	var stuck []Job
	_, err := s.client.From(TableJobs).
		Select("id,document_id,status,last_error,attempts,created_at", "exact", false).
		In("status", []string{"processing", "failed"}).
		ExecuteTo(&stuck)
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	if dryRun {
		return stuck, nil
	}

	for _, job := range stuck {
		_, _, err := s.client.From(TableJobs).
			Update(map[string]interface{}{"status": "queued", "attempts": 0}, "minimal", "").
			Eq("id", job.ID).
			Execute()
		if err != nil {
			return stuck, fmt.Errorf("reset job %s: %w", job.ID, err)
		}
		s.logger.Info("job reset to queued", "job_id", job.ID, "was", job.Status)
	}
	return stuck, nil
}

// ResetErroredDocuments moves documents in status "error" back to
// "uploaded" and returns how many matched.
func (s *Store) ResetErroredDocuments(dryRun bool) (int64, error) {
	if dryRun {
		return s.count(TableDocuments, func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
			return q.Eq("status", "error")
		})
	}
	_, n, err := s.client.From(TableDocuments).
		Update(map[string]interface{}{"status": "uploaded"}, "minimal", "exact").
		Eq("status", "error").
		Execute()
	if err != nil {
		return 0, fmt.Errorf("reset documents: %w", err)
	}
	return n, nil
}

// ChunksByPage lists the chunks stored for one page, optionally limited to
// one document.
func (s *Store) ChunksByPage(docID string, page int) ([]ChunkRow, error) {
	q := s.client.From(TableChunks).
		Select("id,document_id,page_number,chunk_index,content", "exact", false).
		Eq("page_number", strconv.Itoa(page))
	if docID != "" {
		q = q.Eq("document_id", docID)
	}
	var rows []ChunkRow
	if _, err := q.Order("chunk_index", &postgrest.OrderOpts{Ascending: true}).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("chunks for page %d: %w", page, err)
	}
	return rows, nil
}

// GrepChunks finds chunks whose content contains pattern, case-insensitive.
func (s *Store) GrepChunks(pattern string, limit int) ([]ChunkRow, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("grep: empty pattern")
	}
	var rows []ChunkRow
	_, err := s.client.From(TableChunks).
		Select("id,document_id,page_number,chunk_index,content", "exact", false).
		Ilike("content", "%"+pattern+"%").
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("grep chunks: %w", err)
	}
	return rows, nil
}

// SampleTable returns up to limit raw rows of any table the key can read.
func (s *Store) SampleTable(name string, limit int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if _, err := s.client.From(name).Select("*", "exact", false).Limit(limit, "").ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("sample %s: %w", name, err)
	}
	return rows, nil
}

// Download fetches an object from Supabase storage.
func (s *Store) Download(bucket, path string) ([]byte, error) {
	data, err := s.client.Storage.DownloadFile(bucket, strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, path, err)
	}
	return data, nil
}
