package processor

import "errors"

var (
	// ErrSummarizerRequired is returned when a summarizer is not provided.
	ErrSummarizerRequired = errors.New("summarizer required")

	// ErrEmptyDocument is returned when a record renders to empty text.
	// Embedding empty text is always a provider error, so it is rejected
	// up front and counted as a per-record failure.
	ErrEmptyDocument = errors.New("document rendered to empty text")
)
