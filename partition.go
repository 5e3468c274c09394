package tsink

// partition is a chunk of time-series data with a fixed timestamp range.
// A partition acts as a fully independent database containing all data
// points for its time range.
//
// The partition's lifecycle is: Writable -> ReadOnly.
// *Writable*:
//   it can be written. Only the most recent partitions within the
//   writable window accept writes.
// *ReadOnly*:
//   it can't be written. Partitions become ReadOnly once they get
//   persisted to disk.
type partition interface {
	// selectDataPoints gives back certain metric's data points within
	// the given half-open range.
	selectDataPoints(metric string, labels []Label, start, end int64) ([]*DataPoint, error)
	// minTimestamp returns the minimum timestamp the partition covers.
	minTimestamp() int64
	// maxTimestamp returns the maximum timestamp the partition holds.
	maxTimestamp() int64
	// size returns the number of data points the partition holds.
	size() int
	// active means the partition is still being written to.
	active() bool
	// clean removes everything the partition owns, on memory as well as on disk.
	clean() error
}
