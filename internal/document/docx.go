package document

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// No DOCX-writing library is in use here; a .docx file is a zip of OOXML
// parts, assembled directly. The body supports the markdown subset the
// assistant emits: headings, bullet and numbered lists, bold runs, plain
// paragraphs.

const (
	docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

	docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`
)

// docxParagraph is one paragraph of the generated document body.
type docxParagraph struct {
	text     string
	bold     bool
	halfSize int // font size in half-points, 0 for default
}

// WriteDOCX renders markdown into a minimal OOXML document at outputPath.
func WriteDOCX(markdown, outputPath string) error {
	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create docx file: %w", err)
	}
	defer file.Close()

	archive := zip.NewWriter(file)

	parts := map[string]string{
		"[Content_Types].xml": docxContentTypes,
		"_rels/.rels":         docxRels,
		"word/document.xml":   buildDocumentXML(markdownToParagraphs(markdown)),
	}

	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		w, err := archive.Create(name)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		if _, err := w.Write([]byte(parts[name])); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := archive.Close(); err != nil {
		return fmt.Errorf("failed to finish docx archive: %w", err)
	}
	return nil
}

// markdownToParagraphs flattens the markdown subset into styled paragraphs.
func markdownToParagraphs(markdown string) []docxParagraph {
	var paragraphs []docxParagraph
	inCodeBlock := false

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			paragraphs = append(paragraphs, docxParagraph{text: line})
			continue
		}
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "### "):
			paragraphs = append(paragraphs, docxParagraph{text: stripInline(trimmed[4:]), bold: true, halfSize: 26})
		case strings.HasPrefix(trimmed, "## "):
			paragraphs = append(paragraphs, docxParagraph{text: stripInline(trimmed[3:]), bold: true, halfSize: 30})
		case strings.HasPrefix(trimmed, "# "):
			paragraphs = append(paragraphs, docxParagraph{text: stripInline(trimmed[2:]), bold: true, halfSize: 36})
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			paragraphs = append(paragraphs, docxParagraph{text: "• " + stripInline(trimmed[2:])})
		default:
			paragraphs = append(paragraphs, docxParagraph{text: stripInline(trimmed)})
		}
	}

	if len(paragraphs) == 0 {
		paragraphs = append(paragraphs, docxParagraph{text: ""})
	}
	return paragraphs
}

// stripInline removes inline emphasis markers; the docx body keeps the
// words, not the styling.
func stripInline(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "`", "")
	return s
}

func buildDocumentXML(paragraphs []docxParagraph) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	for _, p := range paragraphs {
		b.WriteString("<w:p><w:r>")
		if p.bold || p.halfSize > 0 {
			b.WriteString("<w:rPr>")
			if p.bold {
				b.WriteString("<w:b/>")
			}
			if p.halfSize > 0 {
				fmt.Fprintf(&b, `<w:sz w:val="%d"/>`, p.halfSize)
			}
			b.WriteString("</w:rPr>")
		}
		b.WriteString(`<w:t xml:space="preserve">`)
		xml.EscapeText(&b, []byte(p.text))
		b.WriteString("</w:t></w:r></w:p>")
	}

	b.WriteString("</w:body></w:document>")
	return b.String()
}
