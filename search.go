package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"mivaa-probe/mivaa"
	"mivaa-probe/report"
	"mivaa-probe/store"
)

func queryArg(cmd *cli.Command) (string, error) {
	q := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if q == "" {
		return "", cli.Exit("a query is required", exitError)
	}
	return q, nil
}

// searchAction queries MIVAA's semantic search, or with --rpc embeds the
// query with Gemini and calls the Supabase vector RPC the chat UI uses.
func searchAction(ctx context.Context, cmd *cli.Command, a *app) error {
	query, err := queryArg(cmd)
	if err != nil {
		return err
	}
	limit := int(cmd.Int("limit"))

	var hits []mivaa.SearchHit
	if cmd.Bool("rpc") {
		a.out.Section("Testing Vector Search")
		a.out.Printf("Query: %s\n\n", query)
		e, err := a.embedder(ctx)
		if err != nil {
			return err
		}
		vec, err := e.Embed(ctx, query)
		if err != nil {
			return err
		}
		a.out.Printf("Generated embedding with %d dimensions\n\n", len(vec))

		var s *store.Store
		if cmd.Bool("anon") {
			s, err = a.anonStore()
		} else {
			s, err = a.store()
		}
		if err != nil {
			return err
		}
		hits, err = s.MatchChunks(ctx, store.MatchRequest{Embedding: vec, Count: limit, UserID: cmd.String("user")})
		if err != nil {
			return err
		}
	} else {
		a.out.Section("MIVAA Semantic Search")
		a.out.Printf("Query: %s\n\n", query)
		c, err := a.client(false)
		if err != nil {
			return err
		}
		hits, err = c.Search(ctx, mivaa.SearchRequest{Query: query, Limit: limit, DocumentID: cmd.String("document")})
		if err != nil {
			return err
		}
	}

	a.out.Hits(hits)
	if page := int(cmd.Int("expect-page")); page > 0 {
		return checkExpectedPage(a.out, hits, page)
	}
	return nil
}

// checkExpectedPage reports the rank of the first hit on page.
func checkExpectedPage(out *report.Reporter, hits []mivaa.SearchHit, page int) error {
	if rank := rankOfPage(hits, page); rank > 0 {
		out.OK("found expected page %d at rank %d (score %.4f)", page, rank, hits[rank-1].Score)
		return nil
	}
	out.Fail("expected page %d is not among the %d results", page, len(hits))
	return cli.Exit("", exitJobOutcome)
}

func rankOfPage(hits []mivaa.SearchHit, page int) int {
	for i, h := range hits {
		if h.PageNumber == page {
			return i + 1
		}
	}
	return 0
}

func dbStatsAction(ctx context.Context, cmd *cli.Command, a *app) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	docID := cmd.String("document")
	st, err := db.ChunkStats(ctx, docID)
	if err != nil {
		return err
	}

	title := "All Documents"
	if docID != "" {
		title = "Document " + docID
	}
	a.out.Section("Chunk Statistics: " + title)
	a.out.Coverage(st.Chunks, st.WithEmbedding, st.Chunks-st.WithEmbedding)
	a.out.Printf("Content length: min=%d max=%d mean=%.1f\n", st.MinLength, st.MaxLength, st.AvgLength)

	dims := make([]int, 0, len(st.Dimensions))
	for d := range st.Dimensions {
		dims = append(dims, d)
	}
	sort.Ints(dims)
	rows := make([][]string, len(dims))
	for i, d := range dims {
		rows[i] = []string{fmt.Sprint(d), fmt.Sprint(st.Dimensions[d])}
	}
	if len(rows) > 0 {
		a.out.Printf("\n")
		a.out.Table([]string{"DIMS", "CHUNKS"}, rows)
	}
	return nil
}

// dbNearestAction ranks chunks by raw cosine distance, which shows what
// the search RPC would return without its similarity threshold.
func dbNearestAction(ctx context.Context, cmd *cli.Command, a *app) error {
	query, err := queryArg(cmd)
	if err != nil {
		return err
	}
	e, err := a.embedder(ctx)
	if err != nil {
		return err
	}
	vec, err := e.Embed(ctx, query)
	if err != nil {
		return err
	}
	db, err := a.db(ctx)
	if err != nil {
		return err
	}
	neighbors, err := db.Nearest(ctx, vec, int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	a.out.Section("Nearest Chunks")
	a.out.Printf("Query: %s (%d dimensions)\n\n", query, len(vec))
	hits := make([]mivaa.SearchHit, len(neighbors))
	for i, n := range neighbors {
		hits[i] = mivaa.SearchHit{ID: n.ChunkID, DocumentID: n.DocumentID, Content: n.Content, PageNumber: n.PageNumber, Score: n.Similarity()}
	}
	a.out.Hits(hits)
	if page := int(cmd.Int("expect-page")); page > 0 {
		return checkExpectedPage(a.out, hits, page)
	}
	return nil
}
