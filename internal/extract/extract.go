// Package extract turns uploaded PDF and DOCX bytes into markdown-ish text
// that preserves headings and list structure for the chunker.
package extract

import (
	"bytes"
	"errors"
	"fmt"
)

// FileType is a supported upload format.
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
)

// ErrUnsupportedType is returned for bytes that are neither PDF nor DOCX.
var ErrUnsupportedType = errors.New("unsupported file type")

// Extractor converts raw document bytes into text.
type Extractor interface {
	// Extract returns the text content of the document, preserving
	// structural cues (headings, lists) as markdown.
	Extract(data []byte) (string, error)
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

// DetectFileType sniffs the magic bytes of an upload. DOCX is a ZIP
// container; the DOCX extractor verifies the word/ part inside.
func DetectFileType(data []byte) (FileType, error) {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return FileTypePDF, nil
	case bytes.HasPrefix(data, zipMagic):
		return FileTypeDOCX, nil
	default:
		return "", ErrUnsupportedType
	}
}

// ForType returns the extractor for a detected file type.
func ForType(t FileType) (Extractor, error) {
	switch t {
	case FileTypePDF:
		return &PDFExtractor{}, nil
	case FileTypeDOCX:
		return &DOCXExtractor{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}
