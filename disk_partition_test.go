package tsink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlushedPartition(t *testing.T, dirPath string, rows []Row) partition {
	t.Helper()
	m := newMemoryPartition(0, time.Hour, Seconds)
	require.NoError(t, m.insertRows(rows))
	p, err := newDiskPartition(dirPath, m, newSeriesEncoder, newSeriesDecoder)
	require.NoError(t, err)
	return p
}

func Test_diskPartition_selectDataPoints(t *testing.T) {
	rows := []Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 1, Value: 0.1}},
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 2, Value: 0.2}},
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 3, Value: 0.3}},
		{Metric: "metric2", Labels: []Label{{Name: "host", Value: "a"}}, DataPoint: DataPoint{Timestamp: 2, Value: 5.0}},
	}
	tests := []struct {
		name   string
		metric string
		labels []Label
		start  int64
		end    int64
		want   []*DataPoint
	}{
		{
			name:   "full range",
			metric: "metric1",
			start:  1,
			end:    4,
			want: []*DataPoint{
				{Timestamp: 1, Value: 0.1},
				{Timestamp: 2, Value: 0.2},
				{Timestamp: 3, Value: 0.3},
			},
		},
		{
			name:   "trimmed on both ends",
			metric: "metric1",
			start:  2,
			end:    3,
			want: []*DataPoint{
				{Timestamp: 2, Value: 0.2},
			},
		},
		{
			name:   "labeled series",
			metric: "metric2",
			labels: []Label{{Name: "host", Value: "a"}},
			start:  1,
			end:    4,
			want: []*DataPoint{
				{Timestamp: 2, Value: 5.0},
			},
		},
	}

	dir := filepath.Join(t.TempDir(), "p-0")
	p := newFlushedPartition(t, dir, rows)
	defer p.(*diskPartition).close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.selectDataPoints(tt.metric, tt.labels, tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_diskPartition_selectDataPoints_unknown_metric(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p-0")
	p := newFlushedPartition(t, dir, []Row{
		{Metric: "known", DataPoint: DataPoint{Timestamp: 1, Value: 0.1}},
	})
	defer p.(*diskPartition).close()

	_, err := p.selectDataPoints("unknown", nil, 0, 10)
	assert.ErrorIs(t, err, ErrNoDataPoints)
}

func Test_diskPartition_open_and_meta(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p-0")
	p := newFlushedPartition(t, dir, []Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 10, Value: 0.1}},
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 30, Value: 0.3}},
		{Metric: "metric2", DataPoint: DataPoint{Timestamp: 20, Value: 0.2}},
	})
	require.NoError(t, p.(*diskPartition).close())

	reopened, err := openDiskPartition(dir, newSeriesDecoder)
	require.NoError(t, err)
	defer reopened.(*diskPartition).close()

	assert.Equal(t, int64(10), reopened.minTimestamp())
	assert.Equal(t, int64(30), reopened.maxTimestamp())
	assert.Equal(t, 3, reopened.size())
	assert.False(t, reopened.active())

	got, err := reopened.selectDataPoints("metric2", nil, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.2, got[0].Value)
}

func Test_diskPartition_detects_corrupt_block(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p-0")
	p := newFlushedPartition(t, dir, []Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 1, Value: 0.1}},
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 2, Value: 0.2}},
	})
	require.NoError(t, p.(*diskPartition).close())

	// Flip a byte in the data file behind the checksum's back.
	dataPath := filepath.Join(dir, dataFileName)
	data, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))

	reopened, err := openDiskPartition(dir, newSeriesDecoder)
	require.NoError(t, err)
	defer reopened.(*diskPartition).close()

	_, err = reopened.selectDataPoints("metric1", nil, 0, 10)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func Test_diskPartition_meta_is_readable_json(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p-0")
	p := newFlushedPartition(t, dir, []Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 1, Value: 0.1}},
	})
	defer p.(*diskPartition).close()

	b, err := os.ReadFile(filepath.Join(dir, metaFileName))
	require.NoError(t, err)
	m := meta{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, 1, m.NumDataPoints)
	require.Contains(t, m.Metrics, "metric1")
	assert.Equal(t, int64(1), m.Metrics["metric1"].NumDataPoints)
}

func Test_newDiskPartition_empty_partition(t *testing.T) {
	m := newMemoryPartition(0, time.Hour, Seconds)
	_, err := newDiskPartition(filepath.Join(t.TempDir(), "p-0"), m, newSeriesEncoder, newSeriesDecoder)
	assert.Error(t, err)
}

func Test_newDiskPartition_encoder_failure_leaves_no_dir(t *testing.T) {
	m := newMemoryPartition(0, time.Hour, Seconds)
	require.NoError(t, m.insertRows([]Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 1, Value: 0.1}},
	}))
	dir := filepath.Join(t.TempDir(), "p-0")
	factory := func(_ io.Writer) seriesEncoder {
		return &fakeEncoder{
			encodePointsFunc: func(_ []DataPoint) error {
				return fmt.Errorf("encoder exploded")
			},
		}
	}
	_, err := newDiskPartition(dir, m, factory, newSeriesDecoder)
	require.Error(t, err)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
