package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/urfave/cli/v3"

	"mivaa-probe/report"
	"mivaa-probe/store"
)

func limitFlag(def int) cli.Flag {
	return &cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: int64(def), Usage: "maximum rows to show"}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func docsListAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	docs, err := s.Documents(int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	total, err := s.ChunkCount("")
	if err != nil {
		return err
	}

	a.out.Section("Documents in Database")
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		n, err := s.ChunkCount(d.ID)
		count := strconv.FormatInt(n, 10)
		if err != nil {
			a.log.Warn("chunk count failed", "document_id", d.ID, "error", err)
			count = "?"
		}
		created := ""
		if d.CreatedAt != nil {
			created = d.CreatedAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{d.ID, report.Preview(d.Title(), 40), d.Status, count, created})
	}
	a.out.Table([]string{"ID", "NAME", "STATUS", "CHUNKS", "CREATED"}, rows)
	a.out.Printf("\nTOTAL DOCUMENTS: %d  TOTAL CHUNKS IN DATABASE: %d\n", len(docs), total)
	return nil
}

func docsShowAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	doc, err := s.Document(cmd.Args().First())
	if errors.Is(err, store.ErrNotFound) {
		a.out.Fail("no documents found")
		return nil
	}
	if err != nil {
		return err
	}

	a.out.Section("Document")
	a.out.Printf("ID:      %s\n", doc.ID)
	a.out.Printf("Name:    %s\n", doc.Title())
	a.out.Printf("Status:  %s\n", doc.Status)
	a.out.Printf("Owner:   %s\n", doc.UserID)
	a.out.Printf("Path:    %s\n", doc.StoragePath)
	if doc.PagesTotal > 0 {
		a.out.Printf("Pages:   %d / %d\n", doc.PagesDone, doc.PagesTotal)
	}
	if doc.CreatedAt != nil {
		a.out.Printf("Created: %s\n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	a.out.Section("Chunks")
	cov, err := s.EmbeddingCoverage(doc.ID)
	if err != nil {
		return err
	}
	a.out.Coverage(cov.Total, cov.With, cov.Without)
	if n, err := s.ImageCount(doc.ID); err != nil {
		a.out.Warn("image count failed: %v", err)
	} else {
		a.out.Printf("Images: %d\n", n)
	}

	a.out.Section("Processing Result")
	pr, err := s.ProcessingResult(doc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.out.Warn("no %s row for this document", store.TableProcessingResults)
	case err != nil:
		a.out.Warn("%v", err)
	default:
		a.out.Printf("File:   %s\n", pr.OriginalFilename)
		a.out.Printf("Status: %s\n", pr.ProcessingStatus)
		a.out.Printf("Pages:  %d  Tiles: %d\n", pr.TotalPages, pr.TotalTilesExtracted)
	}

	products, err := s.Products(doc.ID, int(cmd.Int("limit")))
	if err != nil {
		a.out.Warn("%v", err)
		return nil
	}
	a.out.Section(fmt.Sprintf("Products (%d)", len(products)))
	for _, p := range products {
		a.out.Printf("- %s  %s\n", p.Name, report.Preview(p.Description, 80))
	}
	return nil
}

func embeddingsAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	docID := cmd.String("document")
	cov, err := s.EmbeddingCoverage(docID)
	if err != nil {
		return err
	}
	a.out.Section("Embedding Status Check")
	a.out.Coverage(cov.Total, cov.With, cov.Without)

	if !cmd.Bool("dims") {
		return nil
	}
	db, err := a.db(ctx)
	if err != nil {
		a.out.Warn("dimension check skipped: %v", err)
		return nil
	}
	st, err := db.ChunkStats(ctx, docID)
	if err != nil {
		return err
	}
	dims := make([]int, 0, len(st.Dimensions))
	for d := range st.Dimensions {
		dims = append(dims, d)
	}
	sort.Ints(dims)
	for _, d := range dims {
		a.out.Printf("dims=%d: %d chunks\n", d, st.Dimensions[d])
	}
	if len(dims) > 1 {
		a.out.Warn("stored embeddings have mixed dimensions, the search RPC only matches one")
	}
	return nil
}

func jobsListAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	jobs, err := s.Jobs(cmd.String("status"), int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	a.out.Section(fmt.Sprintf("Jobs (%d)", len(jobs)))
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{shortID(j.ID), shortID(j.DocumentID), j.Status, strconv.Itoa(j.Attempts), report.Preview(j.LastError, 60)})
	}
	a.out.Table([]string{"JOB", "DOCUMENT", "STATUS", "ATTEMPTS", "LAST ERROR"}, rows)
	return nil
}

func jobsResetAction(ctx context.Context, cmd *cli.Command, a *app) error {
	dryRun := !cmd.Bool("yes")
	s, err := a.store()
	if err != nil {
		return err
	}

	a.out.Section("Resetting Stuck Jobs")
	jobs, err := s.ResetStuckJobs(dryRun)
	for _, j := range jobs {
		a.out.Printf("   - Job %s (Status: %s, Attempts: %d)\n", shortID(j.ID), j.Status, j.Attempts)
	}
	if err != nil {
		return err
	}

	docs, err := s.ResetErroredDocuments(dryRun)
	if err != nil {
		return err
	}
	if dryRun {
		a.out.Warn("dry run: %d jobs and %d errored documents would be reset, pass --yes to apply", len(jobs), docs)
		return nil
	}
	a.out.OK("%d jobs reset to queued, %d documents reset to uploaded", len(jobs), docs)
	return nil
}

func chunksGrepAction(ctx context.Context, cmd *cli.Command, a *app) error {
	pattern := cmd.Args().First()
	s, err := a.store()
	if err != nil {
		return err
	}
	rows, err := s.GrepChunks(pattern, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	a.out.Section(fmt.Sprintf("Searching for %q in Database", pattern))
	if len(rows) == 0 {
		a.out.Fail("%q not found in %s", pattern, store.TableChunks)
		return nil
	}
	a.out.OK("found %d chunks containing %q", len(rows), pattern)
	for i, c := range rows {
		a.out.Printf("\n[%d] Doc: %s, Page: %d\n", i+1, c.DocumentID, c.PageNumber)
		a.out.Printf("%s\n", report.Preview(c.Content, 200))
	}
	return nil
}

func chunksPageAction(ctx context.Context, cmd *cli.Command, a *app) error {
	page, err := strconv.Atoi(cmd.Args().First())
	if err != nil || page <= 0 {
		return cli.Exit("a positive page number is required", exitError)
	}
	s, err := a.store()
	if err != nil {
		return err
	}
	rows, err := s.ChunksByPage(cmd.String("document"), page)
	if err != nil {
		return err
	}
	a.out.Section(fmt.Sprintf("Checking Page %d Content", page))
	a.out.Printf("Found %d chunks for page %d\n", len(rows), page)
	for _, r := range rows {
		a.out.Printf("\nChunk ID: %s, Doc ID: %s, Index: %d\n", r.ID, r.DocumentID, r.ChunkIndex)
		a.out.Printf("%s\n", r.Content)
	}
	return nil
}

func tablesSampleAction(ctx context.Context, cmd *cli.Command, a *app) error {
	names := cmd.Args().Slice()
	if len(names) == 0 {
		names = []string{store.TableDocuments, "users"}
	}
	s, err := a.store()
	if err != nil {
		return err
	}
	for _, name := range names {
		a.out.Section(name)
		rows, err := s.SampleTable(name, int(cmd.Int("limit")))
		if err != nil {
			a.out.Warn("could not read %s (table may not exist or RLS enabled): %v", name, err)
			continue
		}
		a.out.Printf("Found %d rows\n", len(rows))
		for _, row := range rows {
			printRow(a.out, row)
		}
	}
	return nil
}

func printRow(out *report.Reporter, row map[string]interface{}) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out.Printf("\n")
	for _, k := range keys {
		out.Printf("  %s: %s\n", k, report.Preview(fmt.Sprint(row[k]), 80))
	}
}
