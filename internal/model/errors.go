package model

import "github.com/rotisserie/eris"

// Sentinel errors shared across the pipeline. Callers classify failures with
// eris.Is against these and map them to transport status codes at the edge.
var (
	// ErrNotFound is returned when a referenced document, artifact, block,
	// provenance record, or anomaly does not exist (or is soft-deleted).
	ErrNotFound = eris.New("not found")

	// ErrLocked is returned when a mutation targets a reporting period whose
	// lock is set. It is always raised before the write, never after.
	ErrLocked = eris.New("period is locked")

	// ErrCorruptSource is returned when a source document cannot be decoded.
	// Non-retriable.
	ErrCorruptSource = eris.New("corrupt source document")

	// ErrPageOutOfRange is returned when a render targets a page the
	// document does not have. Non-retriable.
	ErrPageOutOfRange = eris.New("page out of range")

	// ErrExtractorUnavailable marks external-extractor failures. It never
	// reaches API callers: the extraction stage converts it into the
	// deterministic fallback.
	ErrExtractorUnavailable = eris.New("extractor unavailable")

	// ErrInvalid is returned when request input fails validation before any
	// state is touched.
	ErrInvalid = eris.New("invalid input")

	// ErrConflict is returned on an optimistic-concurrency failure updating
	// an anomaly. The caller must re-read and retry.
	ErrConflict = eris.New("revision conflict")

	// ErrStorageUnavailable is returned when encryption key material or the
	// backing store is unavailable. Fatal for the request.
	ErrStorageUnavailable = eris.New("storage unavailable")
)
