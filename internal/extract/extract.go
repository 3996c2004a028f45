// Package extract normalizes staged payloads to plain text before they are
// persisted. Extraction happens in the fast staging path, so only cheap
// local conversions belong here.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Text converts a raw payload to plain text based on its declared content
// type. Supported types: "text" (or empty, the default) and "pdf".
func Text(contentType string, payload []byte) (string, error) {
	switch contentType {
	case "", "text":
		if !utf8.Valid(payload) {
			return "", fmt.Errorf("text payload is not valid UTF-8")
		}
		return string(payload), nil
	case "pdf":
		return pdfText(payload)
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// pdfText extracts the plain text of a PDF document.
func pdfText(payload []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", fmt.Errorf("copying pdf text: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}
