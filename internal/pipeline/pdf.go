package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/stackmere/bindery/internal/tasks"
)

// PDFExtract turns pdf reference entries into text entries. The reference
// entries stay in the bag; downstream steps work on the extracted text.
type PDFExtract struct{}

// Name implements Processor.
func (PDFExtract) Name() string { return "pdf_extract" }

// Process implements Processor.
func (PDFExtract) Process(ctx context.Context, bag *Bag) error {
	var extracted []Entry
	for _, e := range bag.ByKind(KindPDF) {
		if err := ctx.Err(); err != nil {
			return err
		}

		uri := e.MetaString("uri")
		if uri == "" {
			return tasks.Permanentf("pdf part %q has no uri", e.MetaString("name"))
		}

		text, err := extractPDFText(uri)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			// Image-only pdf. Nothing to index from this part.
			continue
		}

		meta := map[string]any{"source_uri": uri}
		if name := e.MetaString("name"); name != "" {
			meta["name"] = name
		}
		extracted = append(extracted, Entry{Kind: KindPDFText, Text: text, Meta: meta})
	}

	for _, e := range extracted {
		bag.Add(e)
	}
	return nil
}

// extractPDFText reads the plain text of one pdf file. Open and parse
// failures are permanent: the bytes on disk will not improve on retry.
func extractPDFText(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", tasks.Permanentf("open pdf %s: %v", path, err)
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", tasks.Permanentf("extract pdf text %s: %v", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(textReader); err != nil {
		return "", fmt.Errorf("read pdf text %s: %w", path, err)
	}
	return buf.String(), nil
}
