package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	maxPDFPages          = 100
	maxExtractedTextSize = 1024 * 1024
)

// PDFMetadata describes the text content of an uploaded PDF.
type PDFMetadata struct {
	PageCount int
	WordCount int
	Text      string
}

// ExtractPDFText pulls plain text out of an uploaded PDF. Pages that fail
// extraction are skipped rather than failing the whole file.
func ExtractPDFText(data []byte) (*PDFMetadata, error) {
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	totalPages := pdfReader.NumPage()
	if totalPages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if totalPages > maxPDFPages {
		return nil, fmt.Errorf("PDF has too many pages (%d), max allowed is %d", totalPages, maxPDFPages)
	}

	var textBuilder strings.Builder
	wordCount := 0

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}

		cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
		if cleaned == "" {
			continue
		}

		textBuilder.WriteString(cleaned)
		textBuilder.WriteString("\n")
		wordCount += countWords(cleaned)

		if textBuilder.Len() > maxExtractedTextSize {
			break
		}
	}

	extractedText := textBuilder.String()
	if len(extractedText) > maxExtractedTextSize {
		extractedText = extractedText[:maxExtractedTextSize]
	}

	return &PDFMetadata{
		PageCount: totalPages,
		WordCount: wordCount,
		Text:      extractedText,
	}, nil
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
