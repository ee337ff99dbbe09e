package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor extracts text from the word/document.xml part of a DOCX
// container, mapping heading and list paragraph styles to markdown.
type DOCXExtractor struct{}

// docx XML structure, limited to the elements that carry text and style.
type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxParagraph struct {
	Properties docxParaProps `xml:"pPr"`
	Runs       []docxRun     `xml:"r"`
}

type docxParaProps struct {
	Style   docxStyleRef `xml:"pStyle"`
	NumProp *struct{}    `xml:"numPr"`
}

type docxStyleRef struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Texts []docxText `xml:"t"`
	Break *struct{}  `xml:"br"`
}

type docxText struct {
	Value string `xml:",chardata"`
}

// Extract unzips the container, parses word/document.xml, and renders
// paragraphs with markdown structure cues.
func (e *DOCXExtractor) Extract(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx container: %w", err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return "", fmt.Errorf("failed to open document part: %w", err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return "", fmt.Errorf("failed to read document part: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", fmt.Errorf("docx container has no word/document.xml")
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return "", fmt.Errorf("failed to parse document part: %w", err)
	}

	var sb strings.Builder
	for _, para := range doc.Body.Paragraphs {
		text := paragraphText(para)
		if strings.TrimSpace(text) == "" {
			continue
		}
		if prefix := headingPrefix(para.Properties.Style.Val); prefix != "" {
			sb.WriteString(prefix)
			sb.WriteString(text)
		} else if para.Properties.NumProp != nil {
			sb.WriteString("- ")
			sb.WriteString(text)
		} else {
			sb.WriteString(text)
		}
		sb.WriteString("\n\n")
	}

	result := strings.TrimSpace(sb.String())
	if result == "" {
		return "", fmt.Errorf("docx contains no extractable text")
	}
	return result, nil
}

func paragraphText(p docxParagraph) string {
	var sb strings.Builder
	for _, run := range p.Runs {
		if run.Break != nil {
			sb.WriteString("\n")
		}
		for _, t := range run.Texts {
			sb.WriteString(t.Value)
		}
	}
	return sb.String()
}

func headingPrefix(style string) string {
	switch strings.ToLower(style) {
	case "title", "heading1":
		return "# "
	case "heading2":
		return "## "
	case "heading3":
		return "### "
	case "heading4", "heading5", "heading6":
		return "#### "
	}
	return ""
}

// Ensure DOCXExtractor implements Extractor interface.
var _ Extractor = (*DOCXExtractor)(nil)
