package tsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_marshalMetricName(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		labels []Label
		want   string
	}{
		{
			name:   "only metric",
			metric: "metric1",
			labels: nil,
			want:   "metric1",
		},
		{
			name:   "empty labels are ignored",
			metric: "metric1",
			labels: []Label{
				{Name: "host", Value: ""},
				{Name: "", Value: "server1"},
			},
			want: "metric1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := marshalMetricName(tt.metric, tt.labels)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_marshalMetricName_order_insensitive(t *testing.T) {
	got1 := marshalMetricName("cpu", []Label{
		{Name: "host", Value: "server1"},
		{Name: "core", Value: "0"},
	})
	got2 := marshalMetricName("cpu", []Label{
		{Name: "core", Value: "0"},
		{Name: "host", Value: "server1"},
	})
	assert.Equal(t, got1, got2)
}

func Test_marshalMetricName_distinguishes_label_sets(t *testing.T) {
	got1 := marshalMetricName("cpu", []Label{{Name: "host", Value: "server1"}})
	got2 := marshalMetricName("cpu", []Label{{Name: "host", Value: "server2"}})
	assert.NotEqual(t, got1, got2)
}

func Test_marshalMetricName_duplicate_name_last_wins(t *testing.T) {
	got := marshalMetricName("cpu", []Label{
		{Name: "host", Value: "server1"},
		{Name: "host", Value: "server2"},
	})
	want := marshalMetricName("cpu", []Label{{Name: "host", Value: "server2"}})
	assert.Equal(t, want, got)
}
