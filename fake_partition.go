package tsink

// fakePartition is a partition implementation for testing.
type fakePartition struct {
	minT      int64
	maxT      int64
	numPoints int

	points    []*DataPoint
	selectErr error
	cleanErr  error
}

func (f *fakePartition) selectDataPoints(_ string, _ []Label, _, _ int64) ([]*DataPoint, error) {
	return f.points, f.selectErr
}

func (f *fakePartition) minTimestamp() int64 {
	return f.minT
}

func (f *fakePartition) maxTimestamp() int64 {
	return f.maxT
}

func (f *fakePartition) size() int {
	return f.numPoints
}

func (f *fakePartition) active() bool {
	return false
}

func (f *fakePartition) clean() error {
	return f.cleanErr
}
