package textextract

import (
	"strings"
	"testing"
)

func TestExtract_PlainText(t *testing.T) {
	text, ok := Extract([]byte("Hemoglobin: 10.2 g/dL\nWBC 6.5\n"), "text/plain")
	if !ok {
		t.Fatal("plain text should extract")
	}
	if !strings.Contains(text, "Hemoglobin: 10.2") {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_EmptyAndWhitespace(t *testing.T) {
	if _, ok := Extract(nil, "text/plain"); ok {
		t.Error("empty input must not extract")
	}
	if _, ok := Extract([]byte("   \n\t "), "text/plain"); ok {
		t.Error("whitespace-only input must not extract")
	}
}

func TestExtract_MalformedPDFDoesNotPanic(t *testing.T) {
	// Carries the PDF magic but nothing parseable behind it.
	data := []byte("%PDF-1.7 this is not a real pdf body")
	if _, ok := Extract(data, "application/pdf"); ok {
		t.Error("garbage pdf should report failure, not success")
	}
}

func TestExtract_UnknownMimeSniffsPDF(t *testing.T) {
	// Magic-based detection must not depend on the declared mime type.
	data := []byte("%PDF-1.4 broken")
	if _, ok := Extract(data, "application/octet-stream"); ok {
		t.Error("pdf-by-magic garbage should fail cleanly")
	}
}

func TestExtract_InvalidUTF8Text(t *testing.T) {
	if _, ok := Extract([]byte{0xff, 0xfe, 0x00, 0x41}, "text/plain"); ok {
		t.Error("binary masquerading as text must not extract")
	}
}
