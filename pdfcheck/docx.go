package pdfcheck

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

var (
	docxRun       = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	docxParagraph = regexp.MustCompile(`</w:p>`)
)

// inspectDocx treats the whole document as a single page, which is how the
// upload pipeline stores Word files.
func inspectDocx(path string, policy ChunkPolicy) (Report, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read docx: %w", err)
	}
	defer r.Close()

	d := r.Editable()
	text := DocxText(d.GetContent())

	rep := Report{Path: path, Format: "docx", PageCount: 1, Images: d.ImagesLen(), chunkPolicy: policy}
	rep.Pages = []Page{measure(1, text, policy)}
	rep.total()
	return rep, nil
}

// DocxText pulls the visible text out of document.xml, one line per
// paragraph.
func DocxText(xml string) string {
	var b strings.Builder
	for _, para := range docxParagraph.Split(xml, -1) {
		var line strings.Builder
		for _, m := range docxRun.FindAllStringSubmatch(para, -1) {
			line.WriteString(html.UnescapeString(m[1]))
		}
		if line.Len() == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.String())
	}
	return b.String()
}
