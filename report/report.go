package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"mivaa-probe/mivaa"
)

const previewWidth = 100

// Reporter prints human-readable progress and results. It never logs;
// diagnostics go through slog on stderr.
type Reporter struct {
	w io.Writer
}

func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

func (r *Reporter) Section(title string) {
	fmt.Fprintf(r.w, "\n=== %s ===\n\n", title)
}

func (r *Reporter) Printf(format string, args ...any) {
	fmt.Fprintf(r.w, format, args...)
}

func (r *Reporter) OK(format string, args ...any) {
	fmt.Fprintf(r.w, "✅ "+format+"\n", args...)
}

func (r *Reporter) Warn(format string, args ...any) {
	fmt.Fprintf(r.w, "⚠️  "+format+"\n", args...)
}

func (r *Reporter) Fail(format string, args ...any) {
	fmt.Fprintf(r.w, "❌ "+format+"\n", args...)
}

// Poll prints one status line. history ends with the point for snap; the
// progress delta is taken against the point before it.
func (r *Reporter) Poll(attempt, max int, snap mivaa.JobSnapshot, history []mivaa.ProgressPoint) {
	line := fmt.Sprintf("[%d/%d] status=%s", attempt, max, snap.Status)
	if snap.HasProgress {
		line += fmt.Sprintf(" progress=%.1f%%", snap.Progress)
		if d, ok := progressDelta(history); ok && d != 0 {
			line += fmt.Sprintf(" (%+.1f)", d)
		}
	}
	if len(snap.Counters) > 0 {
		line += " " + formatCounters(snap.Counters)
	}
	fmt.Fprintln(r.w, line)
}

func progressDelta(history []mivaa.ProgressPoint) (float64, bool) {
	if len(history) < 2 {
		return 0, false
	}
	cur, prev := history[len(history)-1], history[len(history)-2]
	if !cur.HasProgress || !prev.HasProgress {
		return 0, false
	}
	return cur.Progress - prev.Progress, true
}

func formatCounters(c map[string]int64) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, c[k])
	}
	return strings.Join(parts, " ")
}

func (r *Reporter) Outcome(res mivaa.Result) {
	r.Section("Job Outcome")
	r.Printf("Job:      %s\n", res.Handle.ID)
	r.Printf("State:    %s\n", res.State)
	r.Printf("Attempts: %d\n", res.Attempts)
	r.Printf("Elapsed:  %s\n", res.Elapsed.Round(time.Millisecond))
	if res.Final.DocumentID != "" {
		r.Printf("Document: %s\n", res.Final.DocumentID)
	}
	if len(res.Final.Counters) > 0 {
		r.Printf("Counters: %s\n", formatCounters(res.Final.Counters))
	}

	switch res.State {
	case mivaa.StateCompleted:
		r.OK("job completed")
	case mivaa.StateFailed:
		msg := res.Final.Error
		if msg == "" {
			msg = "no error message reported"
		}
		r.Fail("job failed (%s): %s", res.Final.Status, msg)
	case mivaa.StateTimedOut:
		r.Warn("job did not finish within %d attempts", res.Attempts)
	case mivaa.StateNotFound:
		r.Fail("job %s is unknown to the service", res.Handle.ID)
	}
	if res.LastErr != nil && res.State != mivaa.StateNotFound {
		r.Warn("last tolerated error: %v", res.LastErr)
	}
}

// Payload prints counts, content statistics and embedding coverage.
func (r *Reporter) Payload(p mivaa.Payload) {
	r.Section("Result Payload")
	if p.DocumentID != "" {
		r.Printf("Document: %s\n", p.DocumentID)
	}
	r.Printf("Chunks: %d\n", len(p.Chunks))
	r.Printf("Images: %d\n", len(p.Images))

	lengths := make([]int, len(p.Chunks))
	var vectors [][]float32
	for i, c := range p.Chunks {
		lengths[i] = utf8.RuneCountInString(c.Content)
		if len(c.Embedding) > 0 {
			vectors = append(vectors, c.Embedding)
		}
	}
	if len(lengths) > 0 {
		s := Distribution(lengths)
		r.Printf("Content length: min=%d max=%d mean=%.1f median=%.1f\n", s.Min, s.Max, s.Mean, s.Median)
	}
	r.Printf("Chunks with embeddings: %d / %d\n", len(vectors), len(p.Chunks))
	if dims := Dimensions(vectors); len(dims) > 0 {
		r.Printf("Embedding dimensions: %s\n", joinInts(dims))
		if len(dims) > 1 {
			r.Warn("chunks carry embeddings of different dimensions")
		}
	}

	var imageVectors int
	for _, img := range p.Images {
		if len(img.Embedding) > 0 {
			imageVectors++
		}
	}
	r.Printf("Images with embeddings: %d / %d\n", imageVectors, len(p.Images))

	if p.ImagesErr != nil {
		r.Warn("images unavailable: %v", p.ImagesErr)
	}
	if len(p.Chunks) == 0 {
		r.Warn("no chunks returned, processing may have failed")
	}
}

func (r *Reporter) Hits(hits []mivaa.SearchHit) {
	r.Printf("Found %d results:\n\n", len(hits))
	if len(hits) == 0 {
		r.Fail("no results found")
		return
	}
	for i, h := range hits {
		page := "-"
		if h.PageNumber > 0 {
			page = fmt.Sprint(h.PageNumber)
		}
		r.Printf("[%d] Page %s (Score: %.3f) %s\n", i+1, page, h.Score, h.ID)
		r.Printf("    %s\n\n", Preview(h.Content, previewWidth))
	}
}

// Shape prints which response path satisfied each logical field.
func (r *Reporter) Shape(snap mivaa.JobSnapshot) {
	r.Section("Response Shape")
	keys := make([]string, 0, len(snap.Matched))
	for k := range snap.Matched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{k, snap.Matched[k]}
	}
	r.Table([]string{"FIELD", "PATH"}, rows)
	r.Printf("\nStatus %q classified as %s\n", snap.Status, snap.Phase)
}

func (r *Reporter) Coverage(total, with, without int64) {
	r.Printf("Total chunks: %d\n", total)
	r.Printf("Chunks WITH embeddings: %d\n", with)
	r.Printf("Chunks WITHOUT embeddings: %d\n", without)
	switch {
	case total == 0:
		r.Warn("no chunks found")
	case without > 0:
		r.Fail("%d chunks are missing embeddings, vector search cannot see them", without)
	default:
		r.OK("all chunks have embeddings")
	}
}

func (r *Reporter) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// Preview collapses whitespace and truncates s to width display columns.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "...")
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
