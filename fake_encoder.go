package tsink

// fakeEncoder is a seriesEncoder implementation for testing.
type fakeEncoder struct {
	encodePointsFunc func([]DataPoint) error
	flushFunc        func() error
}

func (f *fakeEncoder) encodePoints(points []DataPoint) error {
	if f.encodePointsFunc == nil {
		return nil
	}
	return f.encodePointsFunc(points)
}

func (f *fakeEncoder) flush() error {
	if f.flushFunc == nil {
		return nil
	}
	return f.flushFunc()
}
