// Package export renders quality documents to PDF, stores them in object
// storage and builds spreadsheet exports of item timelines.
package export

import (
	"errors"
	"time"
)

// Signer is one sign-off stamped onto a quality document.
type Signer struct {
	Name     string    `json:"name"`
	Stage    string    `json:"stage"` // "QC" or "PM"
	SignedAt time.Time `json:"signedAt"`
	Note     string    `json:"note,omitempty"`
}

// Field is one rendered row of item content.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Document is everything needed to render a quality document. It is stored
// next to the PDF so signatures can be added later without the database.
type Document struct {
	ProjectName   string    `json:"projectName"`
	CodePrefix    string    `json:"codePrefix"`
	Code          string    `json:"code"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	ChangeKind    string    `json:"changeKind"`
	HistoryID     string    `json:"historyId"`
	RequestID     string    `json:"requestId"`
	SubmitterName string    `json:"submitterName"`
	ReviewerName  string    `json:"reviewerName"`
	Fields        []Field   `json:"fields"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Signatures    []Signer  `json:"signatures"`
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrInvalidPath indicates a document path that does not belong to the configured bucket.
	ErrInvalidPath = errors.New("export invalid document path")
)
