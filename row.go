package tsink

import (
	"math"
	"time"
)

// TimestampPrecision represents a precision of timestamps.
type TimestampPrecision string

const (
	Nanoseconds  TimestampPrecision = "ns"
	Microseconds TimestampPrecision = "us"
	Milliseconds TimestampPrecision = "ms"
	Seconds      TimestampPrecision = "s"
)

// Row includes a data point along with properties to identify a kind of metrics.
type Row struct {
	// The unique name of metric.
	// This field must be set.
	Metric string
	// An optional key-value properties for detailed identification.
	Labels []Label
	// This field must be set.
	DataPoint
}

// DataPoint represents a data point, the smallest unit of time series data.
type DataPoint struct {
	// The actual value. This field must be set.
	Value float64
	// Timestamp in the configured precision since the epoch.
	// The current time will be populated if zero given.
	Timestamp int64
}

// toUnix converts the given time to the configured precision,
// saturating at the int64 boundary.
func toUnix(t time.Time, precision TimestampPrecision) int64 {
	switch precision {
	case Microseconds:
		return t.UnixMicro()
	case Milliseconds:
		return t.UnixMilli()
	case Seconds:
		return t.Unix()
	}
	// Nanoseconds, the default: int64 nanoseconds only span the years
	// 1678 to 2262.
	switch {
	case t.After(time.Unix(0, math.MaxInt64)):
		return math.MaxInt64
	case t.Before(time.Unix(0, math.MinInt64)):
		return math.MinInt64
	}
	return t.UnixNano()
}

// durationToUnits converts the given duration into the configured precision.
func durationToUnits(d time.Duration, precision TimestampPrecision) int64 {
	switch precision {
	case Nanoseconds:
		return d.Nanoseconds()
	case Microseconds:
		return d.Microseconds()
	case Milliseconds:
		return d.Milliseconds()
	case Seconds:
		return int64(d.Seconds())
	default:
		return d.Nanoseconds()
	}
}
