package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mivaa-probe/mivaa"
)

const matchFunction = "search_documents_vector"

type MatchRequest struct {
	Embedding []float32
	Count     int
	// UserID filters by owner; empty searches every document.
	UserID string
}

// MatchChunks calls the vector search RPC directly. postgrest-go's Rpc
// drops the status code, so this goes over plain HTTP.
func (s *Store) MatchChunks(ctx context.Context, req MatchRequest) ([]mivaa.SearchHit, error) {
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("%s: empty query embedding", matchFunction)
	}
	payload := map[string]interface{}{
		"query_embedding": req.Embedding,
		"match_count":     req.Count,
		"filter_user_id":  nil,
	}
	if req.UserID != "" {
		payload["filter_user_id"] = req.UserID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matchFunction, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/rest/v1/rpc/"+matchFunction, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matchFunction, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.key)
	httpReq.Header.Set("apikey", s.key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matchFunction, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matchFunction, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &mivaa.HTTPError{Action: matchFunction, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	hits, _, err := mivaa.DefaultFieldMap().Hits(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matchFunction, err)
	}
	s.logger.Debug("vector search", "dims", len(req.Embedding), "match_count", req.Count, "results", len(hits))
	return hits, nil
}
