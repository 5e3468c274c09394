package tsink

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// memoryPartition implements a partition to store on the process memory.
type memoryPartition struct {
	// A hash map from series id to memoryMetric.
	metrics sync.Map
	// The number of data points
	numPoints int64
	maxT      int64

	// startT is the immutable beginning of the partition interval;
	// every point in the partition satisfies startT <= ts < startT+duration.
	startT int64
	// The interval length in units of the configured precision.
	partitionDuration  int64
	timestampPrecision TimestampPrecision
}

func newMemoryPartition(startTimestamp int64, partitionDuration time.Duration, precision TimestampPrecision) *memoryPartition {
	return &memoryPartition{
		startT:             startTimestamp,
		maxT:               startTimestamp,
		partitionDuration:  durationToUnits(partitionDuration, precision),
		timestampPrecision: precision,
	}
}

// accepts indicates the given timestamp falls into the partition interval.
func (m *memoryPartition) accepts(timestamp int64) bool {
	return m.startT <= timestamp && timestamp < m.endTimestamp()
}

// insertRows is a goroutine-safe way to insert data points. All rows must
// already have their timestamps within the partition interval.
func (m *memoryPartition) insertRows(rows []Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("no rows given")
	}
	maxTimestamp := rows[0].Timestamp
	for i := range rows {
		row := &rows[i]
		if row.Timestamp > maxTimestamp {
			maxTimestamp = row.Timestamp
		}
		name := marshalMetricName(row.Metric, row.Labels)
		m.getMetric(name).insertPoint(&row.DataPoint)
	}
	atomic.AddInt64(&m.numPoints, int64(len(rows)))

	// Make max timestamp up-to-date.
	for {
		current := atomic.LoadInt64(&m.maxT)
		if maxTimestamp <= current || atomic.CompareAndSwapInt64(&m.maxT, current, maxTimestamp) {
			break
		}
	}
	return nil
}

func (m *memoryPartition) selectDataPoints(metric string, labels []Label, start, end int64) ([]*DataPoint, error) {
	name := marshalMetricName(metric, labels)
	value, ok := m.metrics.Load(name)
	if !ok {
		return nil, ErrNoDataPoints
	}
	mt := value.(*memoryMetric)
	points := mt.selectPoints(start, end)
	out := make([]*DataPoint, 0, len(points))
	for i := range points {
		out = append(out, &points[i])
	}
	return out, nil
}

// getMetric gives back the reference to the series whose id is the given one.
// If none, it creates a new one.
func (m *memoryPartition) getMetric(name string) *memoryMetric {
	value, ok := m.metrics.Load(name)
	if !ok {
		value, _ = m.metrics.LoadOrStore(name, &memoryMetric{
			name:   name,
			points: make([]DataPoint, 0, 1000),
		})
	}
	return value.(*memoryMetric)
}

func (m *memoryPartition) minTimestamp() int64 {
	return m.startT
}

func (m *memoryPartition) maxTimestamp() int64 {
	return atomic.LoadInt64(&m.maxT)
}

func (m *memoryPartition) endTimestamp() int64 {
	return m.startT + m.partitionDuration
}

func (m *memoryPartition) size() int {
	return int(atomic.LoadInt64(&m.numPoints))
}

func (m *memoryPartition) active() bool {
	return true
}

func (m *memoryPartition) clean() error {
	return nil
}

// memoryMetric has a list of data points that belong to one series.
type memoryMetric struct {
	name         string
	minTimestamp int64
	maxTimestamp int64
	// points are kept sorted by timestamp.
	points []DataPoint
	mu     sync.RWMutex
}

func (m *memoryMetric) insertPoint(point *DataPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.points)
	// First insertion
	if n == 0 {
		m.points = append(m.points, *point)
		m.minTimestamp = point.Timestamp
		m.maxTimestamp = point.Timestamp
		return
	}
	// Insert point in order
	if m.points[n-1].Timestamp <= point.Timestamp {
		m.points = append(m.points, *point)
		m.maxTimestamp = point.Timestamp
		return
	}

	// Apparently the given data point is out-of-order. Place it after any
	// existent points with the same timestamp to keep insertion order.
	i := sort.Search(n, func(i int) bool {
		return m.points[i].Timestamp > point.Timestamp
	})
	m.points = append(m.points, DataPoint{})
	copy(m.points[i+1:], m.points[i:])
	m.points[i] = *point
	if point.Timestamp < m.minTimestamp {
		m.minTimestamp = point.Timestamp
	}
}

// selectPoints gives back a copy of points within the given half-open range.
func (m *memoryMetric) selectPoints(start, end int64) []DataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.points)
	// Use binary search because points are kept in order.
	startIdx := sort.Search(n, func(i int) bool {
		return m.points[i].Timestamp >= start
	})
	endIdx := sort.Search(n, func(i int) bool {
		return m.points[i].Timestamp >= end
	})
	if startIdx == endIdx {
		return nil
	}
	points := make([]DataPoint, endIdx-startIdx)
	copy(points, m.points[startIdx:endIdx])
	return points
}

// allPoints gives back a copy of the whole series.
func (m *memoryMetric) allPoints() []DataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	points := make([]DataPoint, len(m.points))
	copy(points, m.points)
	return points
}
