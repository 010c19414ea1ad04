// Package textextract turns uploaded report files into plain text. It is the
// boundary described in the pipeline contract: on any failure it reports
// ok=false and never lets a parser error or panic escape to the caller.
package textextract

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const pdfMagic = "%PDF-"

// Extract converts file bytes to text. ok is false when nothing usable could
// be extracted; callers treat that as "no markers, no chunks".
func Extract(data []byte, mimeType string) (text string, ok bool) {
	if len(data) == 0 {
		return "", false
	}

	switch {
	case mimeType == "application/pdf" || bytes.HasPrefix(data, []byte(pdfMagic)):
		text = fromPDF(data)
	case strings.HasPrefix(mimeType, "text/"), mimeType == "":
		if utf8.Valid(data) {
			text = string(data)
		}
	}

	text = strings.TrimSpace(text)
	return text, text != ""
}

// fromPDF extracts the plain text of every page. The pdf library panics on
// some malformed files, so the whole call is fenced with recover.
func fromPDF(data []byte) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pdf extraction panicked", "error", r)
			text = ""
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("pdf extraction failed", "error", err)
		return ""
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		slog.Warn("pdf text extraction failed", "error", err)
		return ""
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		slog.Warn("reading pdf text failed", "error", err)
		return ""
	}
	return sb.String()
}
