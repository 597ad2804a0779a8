package pdfcheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// OCRFunc returns the text of a single-page PDF.
type OCRFunc func(ctx context.Context, pagePDF []byte) (string, error)

// OCRFallback re-reads sparse and garbage pages through ocr and updates
// the report with whatever text it recovers. Pages are processed with at
// most concurrency calls in flight; the free Gemini tier rate-limits hard,
// so 1 is the usual setting.
func (r *Report) OCRFallback(ctx context.Context, ocr OCRFunc, concurrency int) error {
	if r.Format != "pdf" {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(chan error, len(r.Pages))
	policy := r.policy()

	for i := range r.Pages {
		p := r.Pages[i]
		if !p.Sparse && !p.Garbage {
			continue
		}
		wg.Add(1)
		go func(idx int, pageNum int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			data, err := SplitPage(r.Path, pageNum)
			if err != nil {
				errs <- err
				return
			}
			text, err := ocr(ctx, data)
			if err != nil {
				slog.Warn("ocr failed", "page", pageNum, "error", err)
				return
			}
			slog.Info("ocr recovered page text", "page", pageNum, "chars", len([]rune(text)))

			mu.Lock()
			defer mu.Unlock()
			ocrPage := measure(pageNum, text, policy)
			ocrPage.OCRChars = ocrPage.Chars
			r.Pages[idx] = ocrPage
		}(i, p.Number)
	}
	wg.Wait()
	close(errs)

	r.total()
	if len(errs) > 0 {
		return <-errs
	}
	return nil
}

func (r *Report) policy() ChunkPolicy {
	if r.chunkPolicy.Size > 0 {
		return r.chunkPolicy
	}
	return DefaultChunkPolicy()
}

// SplitPage extracts one page of a PDF into its own document.
func SplitPage(path string, pageNum int) ([]byte, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("mivaa_probe_page_%d_", pageNum))
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractPagesFile(path, dir, []string{strconv.Itoa(pageNum)}, conf); err != nil {
		return nil, fmt.Errorf("failed to extract page %d: %w", pageNum, err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no page file extracted for page %d", pageNum)
	}
	return os.ReadFile(filepath.Join(dir, files[0].Name()))
}
