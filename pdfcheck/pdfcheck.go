package pdfcheck

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Pages with less trimmed text than this are likely image-heavy and were
// OCR candidates in the extraction pipeline.
const sparseThreshold = 400

type ChunkPolicy struct {
	Size    int
	Overlap int
}

func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{Size: 1000, Overlap: 100}
}

func (p ChunkPolicy) Validate() error {
	if p.Size <= 0 || p.Overlap < 0 || p.Overlap >= p.Size {
		return fmt.Errorf("invalid chunk policy size=%d overlap=%d", p.Size, p.Overlap)
	}
	return nil
}

type Page struct {
	Number  int
	Chars   int
	Sparse  bool
	Garbage bool
	Chunks  int
	Err     string
	// OCRChars is set when an OCR pass replaced the page text.
	OCRChars int

	text string
}

type Report struct {
	Path   string
	Format string
	// ValidationErr is the pdfcpu validation failure, if any. Text is still
	// extracted from files that fail validation.
	ValidationErr  error
	Pages          []Page
	PageCount      int
	TextLength     int
	ExpectedChunks int
	// Images is only known for .docx sources.
	Images int

	chunkPolicy ChunkPolicy
}

func (r Report) Valid() bool { return r.ValidationErr == nil }

func (r Report) SparsePages() []int {
	var out []int
	for _, p := range r.Pages {
		if p.Sparse {
			out = append(out, p.Number)
		}
	}
	return out
}

func (r Report) GarbagePages() []int {
	var out []int
	for _, p := range r.Pages {
		if p.Garbage {
			out = append(out, p.Number)
		}
	}
	return out
}

// Inspect validates the file and measures its text the way the remote
// pipeline sees it.
func Inspect(path string, policy ChunkPolicy) (Report, error) {
	if err := policy.Validate(); err != nil {
		return Report{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return Report{}, err
	}

	if strings.EqualFold(filepath.Ext(path), ".docx") {
		return inspectDocx(path, policy)
	}

	rep := Report{Path: path, Format: "pdf", chunkPolicy: policy}
	conf := model.NewDefaultConfiguration()
	if err := api.ValidateFile(path, conf); err != nil {
		rep.ValidationErr = err
		slog.Warn("pdf failed validation", "path", path, "error", err)
	}
	if n, err := api.PageCountFile(path); err == nil {
		rep.PageCount = n
	}

	pdfFile, r, err := pdf.Open(path)
	if err != nil {
		return rep, fmt.Errorf("invalid pdf: %w", err)
	}
	defer pdfFile.Close()

	if rep.PageCount == 0 {
		rep.PageCount = r.NumPage()
	}
	for i := 1; i <= r.NumPage(); i++ {
		text, err := pageText(r, i)
		p := measure(i, text, policy)
		if err != nil {
			p.Err = err.Error()
			slog.Debug("extract error", "page", i, "error", err)
		}
		rep.Pages = append(rep.Pages, p)
	}
	rep.total()
	return rep, nil
}

// pageText recovers from the panics ledongthuc/pdf raises on some fonts.
func pageText(r *pdf.Reader, num int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: %v", num, rec)
		}
	}()
	p := r.Page(num)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d: missing", num)
	}
	return p.GetPlainText(nil)
}

func measure(num int, text string, policy ChunkPolicy) Page {
	return Page{
		Number:  num,
		Chars:   utf8.RuneCountInString(text),
		Sparse:  IsSparse(text),
		Garbage: IsGarbage(text),
		Chunks:  len(Chunk(text, policy)),
		text:    text,
	}
}

func (r *Report) total() {
	r.TextLength, r.ExpectedChunks = 0, 0
	for _, p := range r.Pages {
		r.TextLength += p.Chars
		r.ExpectedChunks += p.Chunks
	}
}

func IsSparse(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < sparseThreshold
}

// IsGarbage reports text where under 40% of the characters are letters,
// digits or whitespace, the signature of a broken font encoding. Letters
// of any script count, catalogs are not all Latin.
func IsGarbage(text string) bool {
	if len(text) == 0 {
		return false
	}
	var alphaNum, total int
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			alphaNum++
		}
	}
	return float64(alphaNum)/float64(total) < 0.4
}

// Chunk splits text into overlapping rune windows.
func Chunk(text string, policy ChunkPolicy) []string {
	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return chunks
	}
	step := policy.Size - policy.Overlap
	for i := 0; i < len(runes); i += step {
		end := i + policy.Size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
