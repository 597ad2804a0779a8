package mivaa

import (
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/tidwall/gjson"
)

func checkBody(body []byte, action string) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%s: %w", action, ErrMalformedBody)
	}
	for _, p := range []string{"success", "data.success"} {
		r := gjson.GetBytes(body, p)
		if r.Type != gjson.False {
			continue
		}
		msg := "request reported success=false"
		for _, e := range []string{"error", "error.message", "message", "detail", "data.error", "data.message"} {
			if v := gjson.GetBytes(body, e); nonEmptyString(v) {
				msg = v.String()
				break
			}
		}
		if looksNotFound(msg) {
			return fmt.Errorf("%s: %w: %s", action, ErrJobNotFound, msg)
		}
		return &APIError{Action: action, Message: msg}
	}
	return nil
}

// JobID extracts the job identifier from a submission response.
func (m FieldMap) JobID(body []byte) (string, string, error) {
	if err := checkBody(body, "submit"); err != nil {
		return "", "", err
	}
	got, err := lookup(body, FieldJobID, m.Paths[FieldJobID], nonEmptyString)
	if err != nil {
		return "", "", err
	}
	return got.Value.String(), got.Path, nil
}

// Snapshot parses a status or progress body. A recognized status wins
// over an envelope-level success=false, so a failed job reads as failed
// rather than as a request error.
func (m FieldMap) Snapshot(body []byte, action string) (JobSnapshot, error) {
	if !gjson.ValidBytes(body) {
		return JobSnapshot{}, fmt.Errorf("%s: %w", action, ErrMalformedBody)
	}

	snap := JobSnapshot{
		Counters: map[string]int64{},
		Matched:  map[string]string{},
		Raw:      body,
	}

	if got, err := lookup(body, FieldError, m.Paths[FieldError], nonEmptyString); err == nil {
		snap.Error = got.Value.String()
		snap.Matched[FieldError] = got.Path
	}

	status, err := lookupStatus(body, m.Paths[FieldStatus])
	if err != nil || Classify(status.Value.Str) == PhaseUnknown {
		if berr := checkBody(body, action); berr != nil {
			return JobSnapshot{}, berr
		}
	}
	if err != nil {
		// {"detail": "Job not found"} with no status at all
		if snap.Error != "" && looksNotFound(snap.Error) {
			return JobSnapshot{}, fmt.Errorf("%s: %w: %s", action, ErrJobNotFound, snap.Error)
		}
		return JobSnapshot{}, fmt.Errorf("%s: %w", action, err)
	}
	snap.Status = status.Value.String()
	snap.Phase = Classify(snap.Status)
	snap.Matched[FieldStatus] = status.Path

	if got, err := lookup(body, FieldJobID, append([]string{"id", "data.id"}, m.Paths[FieldJobID]...), nonEmptyString); err == nil {
		snap.JobID = got.Value.String()
		snap.Matched[FieldJobID] = got.Path
	}
	if got, err := lookup(body, FieldProgress, m.Paths[FieldProgress], number); err == nil {
		snap.Progress = numericValue(got.Value)
		snap.HasProgress = true
		snap.Matched[FieldProgress] = got.Path
	}
	if got, err := lookup(body, FieldDocumentID, m.Paths[FieldDocumentID], nonEmptyString); err == nil {
		snap.DocumentID = got.Value.String()
		snap.Matched[FieldDocumentID] = got.Path
	}
	for name, paths := range m.Counters {
		if got, err := lookup(body, name, paths, number); err == nil {
			snap.Counters[name] = int64(numericValue(got.Value))
			snap.Matched["counters."+name] = got.Path
		}
	}

	// Inline arrays only count when nested under an explicit key; the
	// status body itself is an object, so "data"/"@this" never match here.
	if got, err := lookup(body, FieldChunks, m.Paths[FieldChunks], array); err == nil {
		snap.Chunks = chunksFrom(got.Value)
		snap.HasInline = true
		snap.Matched[FieldChunks] = got.Path
	}
	if got, err := lookup(body, FieldImages, m.Paths[FieldImages], array); err == nil {
		snap.Images = imagesFrom(got.Value)
		snap.HasInline = true
		snap.Matched[FieldImages] = got.Path
	}
	return snap, nil
}

// ChunkList parses a document chunks response.
func (m FieldMap) ChunkList(body []byte) ([]Chunk, string, error) {
	if err := checkBody(body, "chunks"); err != nil {
		return nil, "", err
	}
	got, err := lookup(body, FieldChunks, m.Paths[FieldChunks], array)
	if err != nil {
		return nil, "", err
	}
	return chunksFrom(got.Value), got.Path, nil
}

// ImageList parses a document images response.
func (m FieldMap) ImageList(body []byte) ([]Image, string, error) {
	if err := checkBody(body, "images"); err != nil {
		return nil, "", err
	}
	got, err := lookup(body, FieldImages, m.Paths[FieldImages], array)
	if err != nil {
		return nil, "", err
	}
	return imagesFrom(got.Value), got.Path, nil
}

// Hits parses a semantic search response.
func (m FieldMap) Hits(body []byte) ([]SearchHit, string, error) {
	if err := checkBody(body, "search"); err != nil {
		return nil, "", err
	}
	got, err := lookup(body, FieldHits, m.Paths[FieldHits], array)
	if err != nil {
		return nil, "", err
	}
	var hits []SearchHit
	got.Value.ForEach(func(_, item gjson.Result) bool {
		hits = append(hits, SearchHit{
			ID:         first(item, "id", "chunk_id").String(),
			DocumentID: first(item, "document_id", "metadata.document_id").String(),
			Content:    first(item, "content", "text", "chunk_text").String(),
			PageNumber: int(first(item, "page_number", "metadata.page_number", "page").Int()),
			Score:      first(item, "score", "similarity", "similarity_score", "relevance_score").Float(),
		})
		return true
	})
	return hits, got.Path, nil
}

func chunksFrom(list gjson.Result) []Chunk {
	var chunks []Chunk
	list.ForEach(func(_, item gjson.Result) bool {
		chunks = append(chunks, Chunk{
			ID:         first(item, "id", "chunk_id").String(),
			Content:    first(item, "content", "text", "chunk_text").String(),
			PageNumber: int(first(item, "page_number", "metadata.page_number", "page").Int()),
			Embedding:  vectorOf(first(item, "embedding", "text_embedding", "embedding_vector", "embeddings.text")),
		})
		return true
	})
	return chunks
}

func imagesFrom(list gjson.Result) []Image {
	var images []Image
	list.ForEach(func(_, item gjson.Result) bool {
		images = append(images, Image{
			ID:         first(item, "id", "image_id").String(),
			URL:        first(item, "image_url", "url", "storage_url", "public_url").String(),
			Caption:    first(item, "caption", "alt_text", "description").String(),
			PageNumber: int(first(item, "page_number", "metadata.page_number", "page").Int()),
			Embedding:  vectorOf(first(item, "clip_embedding", "visual_embedding", "embedding", "image_embedding")),
		})
		return true
	})
	return images
}

func first(item gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := item.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// vectorOf accepts a JSON number array or the pgvector text form that
// PostgREST returns for vector columns.
func vectorOf(r gjson.Result) []float32 {
	switch {
	case r.IsArray():
		values := r.Array()
		out := make([]float32, 0, len(values))
		for _, v := range values {
			out = append(out, float32(v.Float()))
		}
		return out
	case r.Type == gjson.String && strings.HasPrefix(strings.TrimSpace(r.Str), "["):
		var v pgvector.Vector
		if err := v.Scan([]byte(strings.TrimSpace(r.Str))); err != nil {
			return nil
		}
		return v.Slice()
	default:
		return nil
	}
}

// parseProducts reads the create-from-chunks counters. products_created
// is required; the rest default to zero.
func parseProducts(body []byte) (ProductResult, error) {
	if err := checkBody(body, ActionCreateProducts); err != nil {
		return ProductResult{}, err
	}
	res := ProductResult{Timings: map[string]float64{}, Raw: body}

	created, err := lookup(body, "products_created", prefixed(envelopes, "products_created"), number)
	if err != nil {
		return ProductResult{}, err
	}
	res.ProductsCreated = int64(numericValue(created.Value))

	counters := map[string]*int64{
		"products_failed":   &res.ProductsFailed,
		"chunks_processed":  &res.ChunksProcessed,
		"total_chunks":      &res.TotalChunks,
		"eligible_chunks":   &res.EligibleChunks,
		"stage1_candidates": &res.Stage1Candidates,
	}
	for name, dst := range counters {
		if got, err := lookup(body, name, prefixed(envelopes, name), number); err == nil {
			*dst = int64(numericValue(got.Value))
		}
	}
	for _, name := range []string{"stage1_time", "stage2_time", "total_time"} {
		if got, err := lookup(body, name, prefixed(envelopes, name), number); err == nil {
			res.Timings[name] = numericValue(got.Value)
		}
	}
	return res, nil
}
