package tsink

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/h2337/tsink/internal/encoding"
)

// Label is a time-series label.
type Label struct {
	Name  string
	Value string
}

const (
	// The maximum length of label name.
	//
	// Longer names are truncated.
	maxLabelNameLen = 256

	// The maximum length of label value.
	//
	// Longer values are truncated.
	maxLabelValueLen = 16 * 1024
)

// marshalMetricName builds the series identifier for the given metric and
// labels: the metric name extended with the 64-bit fingerprint of the
// canonical label serialization. Labels are canonicalized by sorting on
// name; a repeated name keeps the last value given; labels with an empty
// name or value are skipped.
func marshalMetricName(metric string, labels []Label) string {
	if len(labels) == 0 {
		return metric
	}
	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].Name < labels[j].Name
	})

	// Determine the buffer size in advance.
	size := 0
	for i := range labels {
		label := &labels[i]
		if label.Name == "" || label.Value == "" {
			continue
		}
		if len(label.Name) > maxLabelNameLen {
			label.Name = label.Name[:maxLabelNameLen]
		}
		if len(label.Value) > maxLabelValueLen {
			label.Value = label.Value[:maxLabelValueLen]
		}
		size += len(label.Name)
		size += len(label.Value)
		size += 4
	}
	if size == 0 {
		return metric
	}

	out := make([]byte, 0, size)
	for i := range labels {
		label := &labels[i]
		if label.Name == "" || label.Value == "" {
			continue
		}
		repeated := false
		for j := i + 1; j < len(labels) && labels[j].Name == label.Name; j++ {
			if labels[j].Value != "" {
				repeated = true
				break
			}
		}
		if repeated {
			// The last value given for a repeated name wins.
			continue
		}
		out = encoding.MarshalUint16(out, uint16(len(label.Name)))
		out = append(out, label.Name...)
		out = encoding.MarshalUint16(out, uint16(len(label.Value)))
		out = append(out, label.Value...)
	}
	return fmt.Sprintf("%s{%016x}", metric, xxhash.Sum64(out))
}
