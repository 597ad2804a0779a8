package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"mivaa-probe/mivaa"
	"mivaa-probe/report"
)

func optionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "no-images", Usage: "skip image extraction"},
		&cli.BoolFlag{Name: "no-embeddings", Usage: "skip embedding generation"},
		&cli.BoolFlag{Name: "no-text", Usage: "skip text extraction"},
		&cli.BoolFlag{Name: "tables", Usage: "extract tables"},
		&cli.IntFlag{Name: "chunk-size", Usage: "chunk size in characters (service default when unset)"},
		&cli.IntFlag{Name: "chunk-overlap", Usage: "chunk overlap in characters (service default when unset)"},
	}
}

func pollFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{Name: "interval", Usage: "delay between status polls"},
		&cli.IntFlag{Name: "max-attempts", Usage: "status polls before giving up"},
		&cli.IntFlag{Name: "not-found-grace", Usage: "consecutive not-found polls to tolerate"},
	}
}

func urlFlag() cli.Flag {
	return &cli.StringSliceFlag{Name: "url", Aliases: []string{"u"}, Usage: "source URL (repeatable, positional arguments also work)"}
}

// optionsFromFlags overlays the flags that were set on base, which comes
// from the profile. Unset flags leave the service defaults alone.
func optionsFromFlags(cmd *cli.Command, base mivaa.ProcessingOptions) mivaa.ProcessingOptions {
	opts := base
	off := func(name string, dst **bool) {
		if cmd.IsSet(name) {
			v := !cmd.Bool(name)
			*dst = &v
		}
	}
	off("no-images", &opts.ExtractImages)
	off("no-embeddings", &opts.GenerateEmbeddings)
	off("no-text", &opts.ExtractText)
	if cmd.IsSet("tables") {
		v := cmd.Bool("tables")
		opts.ExtractTables = &v
	}
	if cmd.IsSet("chunk-size") {
		v := int(cmd.Int("chunk-size"))
		opts.ChunkSize = &v
	}
	if cmd.IsSet("chunk-overlap") {
		v := int(cmd.Int("chunk-overlap"))
		opts.ChunkOverlap = &v
	}
	return opts
}

func policyFromFlags(cmd *cli.Command, base mivaa.Policy) mivaa.Policy {
	p := base
	if cmd.IsSet("interval") {
		p.Interval = cmd.Duration("interval")
	}
	if cmd.IsSet("max-attempts") {
		p.MaxAttempts = int(cmd.Int("max-attempts"))
	}
	if cmd.IsSet("not-found-grace") {
		p.NotFoundGrace = int(cmd.Int("not-found-grace"))
	}
	return p
}

func sourceURLs(cmd *cli.Command) []string {
	return append(cmd.StringSlice("url"), cmd.Args().Slice()...)
}

func jobIDArg(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", cli.Exit("a job id is required", exitError)
	}
	return id, nil
}

func runAction(ctx context.Context, cmd *cli.Command, a *app) error {
	a.cfg.Poll = policyFromFlags(cmd, a.cfg.Poll)
	c, err := a.client(true)
	if err != nil {
		return err
	}

	a.out.Section("Submitting Job")
	h, err := c.Submit(ctx, mivaa.SubmitRequest{
		URLs:    sourceURLs(cmd),
		Options: optionsFromFlags(cmd, a.cfg.Options),
	})
	if err != nil {
		return err
	}
	a.out.OK("job %s submitted (id from %s)", h.ID, h.MatchedPath)
	a.out.Printf("Polling every %s, up to %d attempts (%s)\n\n", a.cfg.Poll.Interval, a.cfg.Poll.MaxAttempts, a.cfg.Poll.Budget())

	res, err := c.AwaitCompletion(ctx, h, a.cfg.Poll)
	if err != nil && res.State != mivaa.StateNotFound {
		return err
	}
	a.out.Outcome(res)

	if res.State == mivaa.StateCompleted && !cmd.Bool("no-fetch") {
		if err := printPayload(ctx, a, c, res.Final); err != nil {
			return err
		}
	}
	return outcomeErr(res)
}

func printPayload(ctx context.Context, a *app, c *mivaa.Client, snap mivaa.JobSnapshot) error {
	p, err := c.PayloadFor(ctx, snap)
	if errors.Is(err, mivaa.ErrNoDocument) {
		a.out.Warn("job result has no inline data and no document id to follow")
		return nil
	}
	if err != nil {
		return err
	}
	a.out.Payload(p)
	return nil
}

func submitAction(ctx context.Context, cmd *cli.Command, a *app) error {
	c, err := a.client(false)
	if err != nil {
		return err
	}
	h, err := c.Submit(ctx, mivaa.SubmitRequest{
		URLs:    sourceURLs(cmd),
		Options: optionsFromFlags(cmd, a.cfg.Options),
	})
	if err != nil {
		return err
	}
	// bare id on stdout so it can be captured by a shell
	a.out.Printf("%s\n", h.ID)
	a.log.Info("job submitted", "job_id", h.ID, "matched", h.MatchedPath, "at", h.SubmittedAt.Format(time.RFC3339))
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command, a *app) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	c, err := a.client(false)
	if err != nil {
		return err
	}
	snap, err := c.Status(ctx, id)
	if errors.Is(err, mivaa.ErrJobNotFound) {
		a.out.Fail("job %s not found", id)
		return cli.Exit("", exitJobOutcome)
	}
	if err != nil {
		return err
	}
	printSnapshot(a, snap)
	return nil
}

func printSnapshot(a *app, snap mivaa.JobSnapshot) {
	a.out.Section("Job Status")
	a.out.Printf("Job:      %s\n", snap.JobID)
	a.out.Printf("Status:   %s (%s)\n", snap.Status, snap.Phase)
	if snap.HasProgress {
		a.out.Printf("Progress: %.1f%%\n", snap.Progress)
	}
	if snap.DocumentID != "" {
		a.out.Printf("Document: %s\n", snap.DocumentID)
	}
	if len(snap.Counters) > 0 {
		names := make([]string, 0, len(snap.Counters))
		for k := range snap.Counters {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			a.out.Printf("  %s: %d\n", k, snap.Counters[k])
		}
	}
	if snap.HasInline {
		a.out.Printf("Inline:   %d chunks, %d images\n", len(snap.Chunks), len(snap.Images))
	}
	if snap.Error != "" {
		a.out.Fail("%s", snap.Error)
	}
}

func waitAction(ctx context.Context, cmd *cli.Command, a *app) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	a.cfg.Poll = policyFromFlags(cmd, a.cfg.Poll)
	c, err := a.client(true)
	if err != nil {
		return err
	}
	res, err := c.AwaitCompletion(ctx, mivaa.JobHandle{ID: id, SubmittedAt: time.Now()}, a.cfg.Poll)
	if err != nil && res.State != mivaa.StateNotFound {
		return err
	}
	a.out.Outcome(res)
	return outcomeErr(res)
}

func resultAction(ctx context.Context, cmd *cli.Command, a *app) error {
	c, err := a.client(false)
	if err != nil {
		return err
	}
	if docID := cmd.String("document"); docID != "" {
		p, err := c.Document(ctx, docID)
		if err != nil {
			return err
		}
		a.out.Payload(p)
		return nil
	}

	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	snap, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	if snap.Phase != mivaa.PhaseSucceeded {
		a.out.Warn("job %s is %s, the payload may be incomplete", id, snap.Status)
	}
	return printPayload(ctx, a, c, snap)
}

func probeAction(ctx context.Context, cmd *cli.Command, a *app) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	c, err := a.client(false)
	if err != nil {
		return err
	}
	snap, err := c.Probe(ctx, id)
	if err != nil {
		return err
	}
	a.out.Shape(snap)
	if cmd.Bool("raw") {
		a.out.Section("Raw Body")
		a.out.Printf("%s\n", snap.Raw)
	}
	return nil
}

// productsCreateAction runs the chunk-to-product classification and then
// reads back the product rows for the document.
func productsCreateAction(ctx context.Context, cmd *cli.Command, a *app) error {
	docID := cmd.Args().First()
	if docID == "" {
		return cli.Exit("a document id is required", exitError)
	}
	if t := cmd.Duration("timeout"); t > a.cfg.HTTPTimeout {
		a.cfg.HTTPTimeout = t
	}
	c, err := a.client(false)
	if err != nil {
		return err
	}

	req := mivaa.ProductRequest{
		DocumentID:     docID,
		WorkspaceID:    cmd.String("workspace"),
		MinChunkLength: int(cmd.Int("min-chunk-length")),
	}
	if n := int(cmd.Int("max-products")); n > 0 {
		req.MaxProducts = &n
	}

	a.out.Section("Creating Products From Chunks")
	a.out.Printf("Document: %s\n\n", docID)
	start := time.Now()
	res, err := c.CreateProducts(ctx, req)
	if err != nil {
		return err
	}
	printProductResult(a, res, time.Since(start))

	s, err := a.store()
	if err != nil {
		a.out.Warn("product rows skipped: %v", err)
		return nil
	}
	limit := int(cmd.Int("limit"))
	products, err := s.Products(docID, limit)
	if err != nil {
		return err
	}
	a.out.Section(fmt.Sprintf("Products (%d)", len(products)))
	for i, p := range products {
		a.out.Printf("%d. %s  %s\n", i+1, p.Name, report.Preview(p.Description, 80))
	}
	if len(products) < limit && int64(len(products)) < res.ProductsCreated {
		a.out.Warn("service reported %d products created but %d rows exist", res.ProductsCreated, len(products))
	}
	return nil
}

func printProductResult(a *app, res mivaa.ProductResult, took time.Duration) {
	a.out.OK("products created: %d", res.ProductsCreated)
	if res.ProductsFailed > 0 {
		a.out.Warn("products failed: %d", res.ProductsFailed)
	}
	a.out.Printf("Chunks processed:   %d / %d\n", res.ChunksProcessed, res.TotalChunks)
	a.out.Printf("Stage 1 candidates: %d\n", res.Stage1Candidates)
	if res.Stage1Candidates > 0 {
		a.out.Printf("Stage 2 success:    %.1f%%\n", float64(res.ProductsCreated)/float64(res.Stage1Candidates)*100)
	}
	names := make([]string, 0, len(res.Timings))
	for k := range res.Timings {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		a.out.Printf("%-19s %.2fs\n", k+":", res.Timings[k])
	}
	a.out.Printf("Request time:       %s\n", took.Round(time.Millisecond))
}

func healthAction(ctx context.Context, cmd *cli.Command, a *app) error {
	var failed int

	a.out.Section("MIVAA")
	if c, err := a.client(false); err != nil {
		a.out.Warn("skipped: %v", err)
	} else if h, err := c.Health(ctx); err != nil {
		a.out.Fail("health check failed: %v", err)
		failed++
	} else {
		a.out.OK("%s via %s transport (status %s)", a.cfg.MivaaURL, a.cfg.Transport, h.Status)
	}

	a.out.Section("Supabase")
	if s, err := a.store(); err != nil {
		a.out.Warn("skipped: %v", err)
	} else if n, err := s.ChunkCount(""); err != nil {
		a.out.Fail("query failed: %v", err)
		failed++
	} else {
		a.out.OK("service key can read %d chunks", n)
	}
	if s, err := a.anonStore(); err != nil {
		a.out.Warn("anon check skipped: %v", err)
	} else if rows, err := s.SampleTable("document_chunks", 1); err != nil {
		a.out.Fail("anon query failed: %v", err)
		failed++
	} else {
		a.out.OK("anon key query succeeded, rows visible: %d", len(rows))
	}

	a.out.Section("Gemini")
	if e, err := a.embedder(ctx); err != nil {
		a.out.Warn("skipped: %v", err)
	} else if models, err := e.Models(ctx); err != nil {
		a.out.Fail("list models failed: %v", err)
		failed++
	} else {
		for _, m := range models {
			a.out.Printf("MODEL: %s\n", m.Name)
		}
		a.out.OK("%d models available", len(models))
	}

	a.out.Section("Postgres")
	if err := a.cfg.ValidateDatabase(); err != nil {
		a.out.Warn("skipped: %v", err)
	} else if db, err := a.db(ctx); err != nil {
		a.out.Fail("%v", err)
		failed++
	} else if err := db.Ping(ctx); err != nil {
		a.out.Fail("ping failed: %v", err)
		failed++
	} else {
		a.out.OK("connected")
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d health checks failed", failed), exitError)
	}
	return nil
}
