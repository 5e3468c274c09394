package tsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

const (
	dataFileName = "data"
	metaFileName = "meta.json"
)

// diskMetric holds the location of a series block within the data file.
type diskMetric struct {
	Name          string `json:"name"`
	Offset        int64  `json:"offset"`
	ByteLength    int64  `json:"byteLength"`
	NumDataPoints int64  `json:"numDataPoints"`
	MinTimestamp  int64  `json:"minTimestamp"`
	MaxTimestamp  int64  `json:"maxTimestamp"`
	CRC32         uint32 `json:"crc32"`
}

// meta is a mapper for a meta file, which is put for each partition.
type meta struct {
	StartTimestamp    int64                 `json:"startTimestamp"`
	PartitionDuration int64                 `json:"partitionDuration"`
	MinTimestamp      int64                 `json:"minTimestamp"`
	MaxTimestamp      int64                 `json:"maxTimestamp"`
	NumDataPoints     int                   `json:"numDataPoints"`
	Metrics           map[string]diskMetric `json:"metrics"`
}

// A disk partition acts as a partition that uses local disk as a storage.
// Once initialized, it is permanently immutable; no locking required.
type diskPartition struct {
	dirPath string
	meta    meta
	f       *os.File
	// memory-mapped file backed by f
	mappedFile mmap.MMap

	decoderFactory decoderFactory
}

// newDiskPartition persists the given memory partition under dirPath and
// gives back the disk partition serving it. The directory is staged under a
// temporary name and renamed once fully written, so a crash mid-flush never
// leaves a half-written partition behind.
func newDiskPartition(dirPath string, m *memoryPartition, encoderFactory encoderFactory, decoderFactory decoderFactory) (partition, error) {
	if dirPath == "" {
		return nil, fmt.Errorf("dir path is required")
	}
	if m.size() == 0 {
		return nil, fmt.Errorf("no data points given")
	}

	tmpPath := fmt.Sprintf("%s.tmp-%s", dirPath, uuid.NewString())
	if err := os.MkdirAll(tmpPath, fs.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to make directory %q: %w", tmpPath, err)
	}
	defer os.RemoveAll(tmpPath)

	f, err := os.Create(filepath.Join(tmpPath, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	defer f.Close()

	names := make([]string, 0)
	m.metrics.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)

	pm := meta{
		StartTimestamp:    m.startT,
		PartitionDuration: m.partitionDuration,
		Metrics:           make(map[string]diskMetric, len(names)),
	}
	var (
		offset int64
		block  bytes.Buffer
	)
	for i, name := range names {
		value, ok := m.metrics.Load(name)
		if !ok {
			continue
		}
		mt := value.(*memoryMetric)
		points := mt.allPoints()
		if len(points) == 0 {
			continue
		}

		block.Reset()
		encoder := encoderFactory(&block)
		if err := encoder.encodePoints(points); err != nil {
			return nil, fmt.Errorf("failed to encode series %q: %w", name, err)
		}
		if err := encoder.flush(); err != nil {
			return nil, fmt.Errorf("failed to flush series %q: %w", name, err)
		}
		if _, err := f.Write(block.Bytes()); err != nil {
			return nil, fmt.Errorf("failed to write series %q: %w", name, err)
		}

		minT := points[0].Timestamp
		maxT := points[len(points)-1].Timestamp
		pm.Metrics[name] = diskMetric{
			Name:          name,
			Offset:        offset,
			ByteLength:    int64(block.Len()),
			NumDataPoints: int64(len(points)),
			MinTimestamp:  minT,
			MaxTimestamp:  maxT,
			CRC32:         crc32.ChecksumIEEE(block.Bytes()),
		}
		offset += int64(block.Len())
		pm.NumDataPoints += len(points)
		if i == 0 || minT < pm.MinTimestamp {
			pm.MinTimestamp = minT
		}
		if maxT > pm.MaxTimestamp {
			pm.MaxTimestamp = maxT
		}
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to fsync data file: %w", err)
	}

	b, err := json.Marshal(&pm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	metaPath := filepath.Join(tmpPath, metaFileName)
	if err := os.WriteFile(metaPath, b, fs.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to write metadata to %s: %w", metaPath, err)
	}

	// An aborted flush may have left a stale directory behind; the fresh
	// one carries everything it did and more.
	if err := os.RemoveAll(dirPath); err != nil {
		return nil, fmt.Errorf("failed to remove stale partition dir: %w", err)
	}
	if err := os.Rename(tmpPath, dirPath); err != nil {
		return nil, fmt.Errorf("failed to commit partition dir %q: %w", dirPath, err)
	}

	return openDiskPartition(dirPath, decoderFactory)
}

// openDiskPartition gives back a disk partition from the existent files.
// The data file gets memory-mapped for reads.
func openDiskPartition(dirPath string, decoderFactory decoderFactory) (partition, error) {
	if dirPath == "" {
		return nil, fmt.Errorf("dir path is required")
	}
	mf, err := os.Open(filepath.Join(dirPath, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer mf.Close()
	m := meta{}
	decoder := json.NewDecoder(mf)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	f, err := os.Open(filepath.Join(dirPath, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to perform mmap: %w", err)
	}

	return &diskPartition{
		dirPath:        dirPath,
		meta:           m,
		f:              f,
		mappedFile:     mapped,
		decoderFactory: decoderFactory,
	}, nil
}

func (d *diskPartition) selectDataPoints(metric string, labels []Label, start, end int64) ([]*DataPoint, error) {
	name := marshalMetricName(metric, labels)
	mt, ok := d.meta.Metrics[name]
	if !ok {
		return nil, ErrNoDataPoints
	}
	if mt.Offset < 0 || mt.ByteLength < 0 || mt.Offset+mt.ByteLength > int64(len(d.mappedFile)) {
		return nil, fmt.Errorf("%w: block of series %q is out of the mapped region", ErrCorruptBlock, name)
	}
	block := d.mappedFile[mt.Offset : mt.Offset+mt.ByteLength]
	if crc32.ChecksumIEEE(block) != mt.CRC32 {
		return nil, fmt.Errorf("%w: checksum mismatch for series %q", ErrCorruptBlock, name)
	}

	seriesDecoder, err := d.decoderFactory(bytes.NewReader(block))
	if err != nil {
		return nil, err
	}
	points := make([]*DataPoint, 0, mt.NumDataPoints)
	for i := int64(0); i < mt.NumDataPoints; i++ {
		point := DataPoint{}
		if err := seriesDecoder.decodePoint(&point); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if point.Timestamp < start {
			continue
		}
		if point.Timestamp >= end {
			break
		}
		points = append(points, &point)
	}
	return points, nil
}

func (d *diskPartition) minTimestamp() int64 {
	return d.meta.MinTimestamp
}

func (d *diskPartition) maxTimestamp() int64 {
	return d.meta.MaxTimestamp
}

func (d *diskPartition) size() int {
	return d.meta.NumDataPoints
}

// Disk partition is immutable.
func (d *diskPartition) active() bool {
	return false
}

// close releases the mapped region and the underlying file.
func (d *diskPartition) close() error {
	if d.mappedFile != nil {
		if err := d.mappedFile.Unmap(); err != nil {
			return fmt.Errorf("failed to unmap data file: %w", err)
		}
		d.mappedFile = nil
	}
	return d.f.Close()
}

// clean removes all files the partition owns.
func (d *diskPartition) clean() error {
	if err := d.close(); err != nil {
		return err
	}
	if err := os.RemoveAll(d.dirPath); err != nil {
		return fmt.Errorf("failed to remove partition dir %q: %w", d.dirPath, err)
	}
	return nil
}
