package mivaa

import (
	"strings"
	"time"
)

// Phase is the local classification of a free-form remote status.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseInProgress
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInProgress:
		return "in_progress"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Remote status values seen across deployments. The service enforces no
// enumeration, so these only drive classification.
const (
	StatusQueued     = "queued"
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusError      = "error"
)

func Classify(status string) Phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusCompleted:
		return PhaseSucceeded
	case StatusFailed, StatusError:
		return PhaseFailed
	case StatusQueued, StatusPending, StatusRunning, StatusProcessing, "submitted", "started", "in_progress":
		return PhaseInProgress
	default:
		return PhaseUnknown
	}
}

// ProcessingOptions mirrors the options the bulk endpoint recognizes. Nil
// fields are omitted so the service applies its own defaults.
type ProcessingOptions struct {
	ExtractText        *bool `json:"extract_text,omitempty" yaml:"extract_text"`
	ExtractImages      *bool `json:"extract_images,omitempty" yaml:"extract_images"`
	ExtractTables      *bool `json:"extract_tables,omitempty" yaml:"extract_tables"`
	GenerateEmbeddings *bool `json:"generate_embeddings,omitempty" yaml:"generate_embeddings"`
	ChunkSize          *int  `json:"chunk_size,omitempty" yaml:"chunk_size"`
	ChunkOverlap       *int  `json:"chunk_overlap,omitempty" yaml:"chunk_overlap"`
}

type SubmitRequest struct {
	URLs    []string
	Options ProcessingOptions
}

type JobHandle struct {
	ID          string
	SubmittedAt time.Time
	MatchedPath string
}

type JobSnapshot struct {
	JobID       string
	Status      string
	Phase       Phase
	Progress    float64
	HasProgress bool
	DocumentID  string
	Error       string
	Counters    map[string]int64
	Chunks      []Chunk
	Images      []Image
	HasInline   bool
	// Matched maps each located logical field to the path that produced it.
	Matched map[string]string
	Raw     []byte
}

type Chunk struct {
	ID         string
	Content    string
	PageNumber int
	Embedding  []float32
}

type Image struct {
	ID         string
	URL        string
	Caption    string
	PageNumber int
	Embedding  []float32
}

type Payload struct {
	DocumentID string
	Chunks     []Chunk
	Images     []Image
	// ImagesErr is set when image retrieval failed and the payload carries
	// chunks only.
	ImagesErr error
}

type SearchRequest struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

type SearchHit struct {
	ID         string
	DocumentID string
	Content    string
	PageNumber int
	Score      float64
}

// ProductRequest is the body of the create-from-chunks endpoint. A nil
// MaxProducts means no limit.
type ProductRequest struct {
	DocumentID     string `json:"document_id"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
	MaxProducts    *int   `json:"max_products"`
	MinChunkLength int    `json:"min_chunk_length,omitempty"`
}

type ProductResult struct {
	ProductsCreated  int64
	ProductsFailed   int64
	ChunksProcessed  int64
	TotalChunks      int64
	EligibleChunks   int64
	Stage1Candidates int64
	// Timings holds the stage durations in seconds the service reported,
	// keyed by field name (stage1_time, stage2_time, total_time).
	Timings map[string]float64
	Raw     []byte
}

type Health struct {
	Status string
	Raw    []byte
}
