package nur

import "errors"

var (
	// ErrValidation is returned when caller input fails validation.
	ErrValidation = errors.New("nur: invalid input")

	// ErrConfiguration is returned for invalid configuration values; fatal at startup.
	ErrConfiguration = errors.New("nur: invalid configuration")

	// ErrEmbedding is returned when embedding generation exhausts its retries.
	ErrEmbedding = errors.New("nur: embedding generation failed")

	// ErrStorage is returned on vector, relational, or graph store transport failure.
	ErrStorage = errors.New("nur: storage failure")

	// ErrRetrieval is returned when the read pipeline fails.
	ErrRetrieval = errors.New("nur: retrieval failed")

	// ErrExtraction is returned when the event extraction pipeline fails.
	ErrExtraction = errors.New("nur: event extraction failed")

	// ErrEntityResolution is returned when entity resolution fails for a mention.
	ErrEntityResolution = errors.New("nur: entity resolution failed")

	// ErrLLMConfirmation is returned when the resolver's confirm prompt fails
	// or returns an unusable verdict. Wraps under ErrEntityResolution.
	ErrLLMConfirmation = errors.New("nur: LLM confirmation failed")

	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("nur: not found")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("nur: operation timed out")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("nur: unsupported file format")

	// ErrParsingFailed is returned when file parsing fails.
	ErrParsingFailed = errors.New("nur: parsing failed")

	// ErrConfirmRequired is returned when forget is called without confirm=true.
	ErrConfirmRequired = errors.New("nur: forget requires confirm=true")
)

// ErrorCode returns the stable wire code for an error kind.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfirmRequired),
		errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrParsingFailed):
		return "ValidationError"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrEmbedding):
		return "EmbeddingError"
	case errors.Is(err, ErrRetrieval):
		return "RetrievalError"
	case errors.Is(err, ErrExtraction):
		return "ExtractionError"
	case errors.Is(err, ErrLLMConfirmation), errors.Is(err, ErrEntityResolution):
		return "EntityResolutionError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrStorage):
		return "StorageError"
	default:
		return "InternalError"
	}
}

// Retryable reports whether a caller may safely retry the failed operation.
func Retryable(err error) bool {
	switch ErrorCode(err) {
	case "EmbeddingError", "StorageError", "RetrievalError", "TimeoutError":
		return true
	default:
		return false
	}
}
