package types

import "errors"

// Sentinel errors shared across the runtime.
var (
	// ErrRetryLater is the distinguished activation outcome for HTTP 202:
	// not a failure, the caller should poll again.
	ErrRetryLater = errors.New("activation pending, retry later")
	// ErrInvalidImage indicates a firmware image whose header or checksum
	// failed validation.
	ErrInvalidImage = errors.New("invalid firmware image")
	// ErrSameVersion indicates the streamed image carries the running
	// version; the upgrade is skipped before any partition write.
	ErrSameVersion = errors.New("firmware version is identical to the running image")
)
