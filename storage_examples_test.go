package tsink

import (
	"fmt"
	"log"
)

func ExampleNewStorage() {
	storage, err := NewStorage(
		WithTimestampPrecision(Seconds),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()

	err = storage.InsertRows([]Row{
		{Metric: "metric1", DataPoint: DataPoint{Timestamp: 1600000000, Value: 0.1}},
	})
	if err != nil {
		log.Fatal(err)
	}
	points, err := storage.Select("metric1", nil, 1600000000, 1600000001)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range points {
		fmt.Printf("timestamp: %v, value: %v\n", p.Timestamp, p.Value)
	}
	// Output:
	// timestamp: 1600000000, value: 0.1
}

func ExampleStorage_Select_labels() {
	storage, err := NewStorage(
		WithTimestampPrecision(Seconds),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()

	labels := []Label{{Name: "host", Value: "server1"}}
	err = storage.InsertRows([]Row{
		{Metric: "cpu", Labels: labels, DataPoint: DataPoint{Timestamp: 1600000000, Value: 0.5}},
	})
	if err != nil {
		log.Fatal(err)
	}
	points, err := storage.Select("cpu", labels, 1600000000, 1600000001)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range points {
		fmt.Printf("value: %v\n", p.Value)
	}
	// Output:
	// value: 0.5
}
