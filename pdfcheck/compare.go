package pdfcheck

import (
	"fmt"
	"math"

	"mivaa-probe/mivaa"
)

// Remote text length is measured after the service normalizes whitespace,
// so small drift is expected.
const textLengthTolerance = 0.10

type Discrepancy struct {
	Field  string
	Local  int64
	Remote int64
	Note   string
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: local=%d remote=%d (%s)", d.Field, d.Local, d.Remote, d.Note)
}

// Compare checks the local measurement against what the service reported
// for the same document. counters are the job's numeric counters; payload
// may be nil when the result was not fetched.
func Compare(rep Report, counters map[string]int64, payload *mivaa.Payload) []Discrepancy {
	var out []Discrepancy

	for _, name := range []string{"total_pages", "pages_processed"} {
		if remote, ok := counters[name]; ok && rep.PageCount > 0 && remote != int64(rep.PageCount) {
			out = append(out, Discrepancy{Field: name, Local: int64(rep.PageCount), Remote: remote, Note: "page count differs"})
		}
	}

	if remote, ok := counters["text_length"]; ok {
		local := int64(rep.TextLength)
		if !withinTolerance(local, remote, textLengthTolerance) {
			out = append(out, Discrepancy{Field: "text_length", Local: local, Remote: remote, Note: "text length differs by more than 10%"})
		}
	}

	remoteChunks, haveChunks := counters["chunks_created"]
	if haveChunks {
		if remoteChunks == 0 && rep.ExpectedChunks > 0 {
			out = append(out, Discrepancy{Field: "chunks_created", Local: int64(rep.ExpectedChunks), Remote: 0, Note: "document has text but no chunks were created"})
		} else if rep.ExpectedChunks > 0 && remoteChunks > 2*int64(rep.ExpectedChunks) {
			out = append(out, Discrepancy{Field: "chunks_created", Local: int64(rep.ExpectedChunks), Remote: remoteChunks, Note: "more than twice the expected chunks"})
		}
	}

	if payload != nil {
		got := int64(len(payload.Chunks))
		if haveChunks && got != remoteChunks {
			out = append(out, Discrepancy{Field: "payload_chunks", Local: got, Remote: remoteChunks, Note: "retrieved chunks do not match chunks_created"})
		}
		if got > 0 {
			withText := map[int]bool{}
			for _, p := range rep.Pages {
				if p.Chars > 0 && !p.Garbage {
					withText[p.Number] = true
				}
			}
			for _, c := range payload.Chunks {
				delete(withText, c.PageNumber)
			}
			if missing := int64(len(withText)); missing > 0 && hasPageNumbers(payload.Chunks) {
				out = append(out, Discrepancy{Field: "pages_without_chunks", Local: missing, Remote: 0, Note: "pages with text have no chunks"})
			}
		}
	}
	return out
}

func withinTolerance(local, remote int64, tol float64) bool {
	if local == remote {
		return true
	}
	base := math.Max(float64(local), 1)
	return math.Abs(float64(local-remote))/base <= tol
}

// Some deployments leave page_number unset on every chunk.
func hasPageNumbers(chunks []mivaa.Chunk) bool {
	for _, c := range chunks {
		if c.PageNumber > 0 {
			return true
		}
	}
	return false
}
