package tsink

import "errors"

var (
	// ErrMetricRequired is returned when an empty metric name is given.
	ErrMetricRequired = errors.New("metric must be set")

	// ErrInvalidTimeRange is returned when the given end isn't greater than start.
	ErrInvalidTimeRange = errors.New("the given start is not less than end")

	// ErrPastWindow is returned when a row's timestamp is older than the
	// head partition and none of the writable in-memory partitions covers
	// it, whether the partition it belongs to was persisted or not.
	ErrPastWindow = errors.New("row timestamp is behind the writable window")

	// ErrCorruptBlock is returned when an encoded series block fails
	// its integrity check.
	ErrCorruptBlock = errors.New("corrupt series block")

	// ErrCorruptWAL is returned when a WAL record in the middle of a
	// segment stream is malformed. A partial record at the tail is
	// tolerated silently.
	ErrCorruptWAL = errors.New("corrupt WAL record")

	// ErrDataPathLocked is returned when another storage instance holds
	// the lock on the given data path.
	ErrDataPathLocked = errors.New("data path is locked by another storage")

	// ErrNoDataPoints is used between partitions to signal an empty result.
	ErrNoDataPoints = errors.New("no data points found")
)
