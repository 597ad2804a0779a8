package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"mivaa-probe/embed"
	"mivaa-probe/mivaa"
	"mivaa-probe/pdfcheck"
	"mivaa-probe/report"
	"mivaa-probe/store"
)

func chunkPolicyFlags() []cli.Flag {
	def := pdfcheck.DefaultChunkPolicy()
	return []cli.Flag{
		&cli.IntFlag{Name: "chunk-size", Value: int64(def.Size), Usage: "chunk size used to estimate the expected chunk count"},
		&cli.IntFlag{Name: "chunk-overlap", Value: int64(def.Overlap), Usage: "chunk overlap used to estimate the expected chunk count"},
		&cli.BoolFlag{Name: "ocr", Usage: "re-read sparse and garbage pages with Gemini"},
	}
}

func chunkPolicy(cmd *cli.Command) pdfcheck.ChunkPolicy {
	return pdfcheck.ChunkPolicy{Size: int(cmd.Int("chunk-size")), Overlap: int(cmd.Int("chunk-overlap"))}
}

func inspectFile(ctx context.Context, cmd *cli.Command, a *app, path string) (pdfcheck.Report, error) {
	rep, err := pdfcheck.Inspect(path, chunkPolicy(cmd))
	if err != nil {
		return rep, err
	}
	if cmd.Bool("ocr") {
		e, err := a.embedder(ctx)
		if err != nil {
			return rep, err
		}
		ocr := func(ctx context.Context, page []byte) (string, error) {
			return e.OCRPage(ctx, embed.DefaultOCRModel, page)
		}
		if err := rep.OCRFallback(ctx, ocr, 1); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func printInspection(out *report.Reporter, rep pdfcheck.Report) {
	out.Section("Local Pre-flight: " + filepath.Base(rep.Path))
	if rep.Valid() {
		out.OK("%s structure is valid", rep.Format)
	} else {
		out.Warn("validation failed: %v", rep.ValidationErr)
	}
	out.Printf("Pages:           %d\n", rep.PageCount)
	out.Printf("Text length:     %d\n", rep.TextLength)
	out.Printf("Expected chunks: %d\n", rep.ExpectedChunks)
	if rep.Format == "docx" {
		out.Printf("Images:          %d\n", rep.Images)
	}

	var ocred, failed int
	for _, p := range rep.Pages {
		if p.OCRChars > 0 {
			ocred++
		}
		if p.Err != "" {
			failed++
		}
	}
	if sparse := rep.SparsePages(); len(sparse) > 0 {
		out.Warn("%d sparse pages (likely image-only): %s", len(sparse), pageList(sparse))
	}
	if garbage := rep.GarbagePages(); len(garbage) > 0 {
		out.Warn("%d pages look like broken font encoding: %s", len(garbage), pageList(garbage))
	}
	if failed > 0 {
		out.Warn("text extraction failed on %d pages", failed)
	}
	if ocred > 0 {
		out.OK("OCR recovered text on %d pages", ocred)
	}
}

func pageList(pages []int) string {
	const maxShown = 20
	parts := make([]string, 0, maxShown+1)
	for i, p := range pages {
		if i == maxShown {
			parts = append(parts, fmt.Sprintf("... (+%d)", len(pages)-maxShown))
			break
		}
		parts = append(parts, fmt.Sprint(p))
	}
	return strings.Join(parts, ", ")
}

func pdfInspectAction(ctx context.Context, cmd *cli.Command, a *app) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return cli.Exit("at least one file is required", exitError)
	}
	for _, path := range paths {
		rep, err := inspectFile(ctx, cmd, a, path)
		if err != nil {
			a.out.Fail("%s: %v", path, err)
			continue
		}
		printInspection(a.out, rep)
	}
	return nil
}

// pdfVerifyAction downloads a stored document, inspects it locally and
// compares the result with what MIVAA and the chunk table report.
func pdfVerifyAction(ctx context.Context, cmd *cli.Command, a *app) error {
	s, err := a.store()
	if err != nil {
		return err
	}
	doc, err := s.Document(cmd.Args().First())
	if err != nil {
		return err
	}
	a.out.Section("Analyzing Document")
	a.out.Printf("ID:     %s\nPath:   %s\nStatus: %s\n", doc.ID, doc.StoragePath, doc.Status)
	if doc.StoragePath == "" {
		return fmt.Errorf("document %s has no storage path", doc.ID)
	}

	bucket := cmd.String("bucket")
	if bucket == "" {
		bucket = a.cfg.StorageBucket
	}
	a.log.Info("downloading file", "bucket", bucket, "path", doc.StoragePath)
	data, err := s.Download(bucket, doc.StoragePath)
	if err != nil {
		return err
	}

	ext := filepath.Ext(doc.StoragePath)
	if ext == "" {
		ext = ".pdf"
	}
	tmp, err := os.CreateTemp("", "mivaa_probe_*"+ext)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	rep, err := inspectFile(ctx, cmd, a, tmp.Name())
	if err != nil {
		return err
	}
	rep.Path = doc.StoragePath
	printInspection(a.out, rep)

	counters, payload := remoteView(ctx, cmd, a, s, doc.ID)
	a.out.Section("Local vs Remote")
	diffs := pdfcheck.Compare(rep, counters, payload)
	if len(diffs) == 0 {
		a.out.OK("no discrepancies")
		return nil
	}
	for _, d := range diffs {
		a.out.Fail("%s", d)
	}
	return cli.Exit("", exitJobOutcome)
}

// remoteView gathers the counters to compare against: the chunk table
// always, and the MIVAA job when --job is given.
func remoteView(ctx context.Context, cmd *cli.Command, a *app, s *store.Store, docID string) (map[string]int64, *mivaa.Payload) {
	counters := map[string]int64{}
	if n, err := s.ChunkCount(docID); err == nil {
		counters["chunks_created"] = n
	} else {
		a.log.Warn("chunk count failed", "document_id", docID, "error", err)
	}
	if pr, err := s.ProcessingResult(docID); err == nil && pr.TotalPages > 0 {
		counters["total_pages"] = int64(pr.TotalPages)
	}

	jobID := cmd.String("job")
	if jobID == "" {
		return counters, nil
	}
	c, err := a.client(false)
	if err != nil {
		a.log.Warn("mivaa comparison skipped", "error", err)
		return counters, nil
	}
	snap, err := c.Status(ctx, jobID)
	if err != nil {
		a.log.Warn("mivaa status failed", "job_id", jobID, "error", err)
		return counters, nil
	}
	for k, v := range snap.Counters {
		counters[k] = v
	}
	p, err := c.PayloadFor(ctx, snap)
	if err != nil {
		a.log.Warn("mivaa payload unavailable", "job_id", jobID, "error", err)
		return counters, nil
	}
	return counters, &p
}
