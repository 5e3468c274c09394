// Package tsink provides goroutine safe capabilities of insertion into and
// retrieval from the time-series storage.
package tsink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/h2337/tsink/internal/cgroup"
	"github.com/h2337/tsink/internal/timerpool"
)

var (
	// Limit the concurrency for data ingestion to the available CPUs, since
	// this operation is CPU bound, so there is no sense in running more than
	// that many concurrent goroutines on the data ingestion path.
	defaultWorkersLimit = cgroup.AvailableCPUs()

	partitionDirRegex = regexp.MustCompile(`^p-(-?[0-9]+)$`)
)

const (
	defaultPartitionDuration  = 1 * time.Hour
	defaultRetention          = 14 * 24 * time.Hour
	defaultTimestampPrecision = Nanoseconds
	defaultWriteTimeout       = 30 * time.Second
	defaultWALBufferedSize    = 4096
	defaultFlushInterval      = 30 * time.Second
	defaultWritablePartitions = 2

	walDirName   = "wal"
	lockFileName = "lock"
)

// Storage provides goroutine safe capabilities of insertion into and
// retrieval from the time-series storage.
type Storage interface {
	Reader
	Writer
	// Close gracefully shuts down the background task, persists all
	// in-memory partitions when a data path is set, and releases all
	// resources.
	Close() error
}

// Reader provides reading access to time series data.
type Reader interface {
	// Select gives back data points of the specified metric within the given
	// start-end range, sorted in ascending order of timestamp. Keep in mind
	// that start is inclusive and end is exclusive. An unknown metric yields
	// an empty result, not an error.
	Select(metric string, labels []Label, start, end int64) ([]*DataPoint, error)
}

// Writer provides writing access to time series data.
type Writer interface {
	// InsertRows ingests the given rows to the time-series storage.
	InsertRows(rows []Row) error
}

// Option is an optional setting for NewStorage.
type Option func(*storage)

// WithDataPath specifies the path to directory that stores time-series data.
// Use this to make time-series data persistent on disk.
// Defaults to empty string which means no data will get persisted.
func WithDataPath(dataPath string) Option {
	return func(s *storage) {
		s.dataPath = dataPath
	}
}

// WithPartitionDuration specifies the timestamp range of partitions.
//
// A partition is a chunk of time-series data with the timestamp range.
// It acts as a fully independent database containing all data
// points for its time range.
// Defaults to 1h.
func WithPartitionDuration(duration time.Duration) Option {
	return func(s *storage) {
		s.partitionDuration = duration
	}
}

// WithRetention specifies when to remove expired partitions.
// Defaults to 14d.
func WithRetention(retention time.Duration) Option {
	return func(s *storage) {
		s.retention = retention
	}
}

// WithTimestampPrecision specifies the precision of timestamps to be used
// by all operations. Defaults to Nanoseconds.
func WithTimestampPrecision(precision TimestampPrecision) Option {
	return func(s *storage) {
		s.timestampPrecision = precision
	}
}

// WithWriteTimeout specifies the timeout to wait when workers are busy.
//
// The storage limits the number of concurrent goroutines to prevent from out
// of memory errors and CPU trashing even if too many goroutines attempt to
// write. Defaults to 30s.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *storage) {
		s.writeTimeout = timeout
	}
}

// WithWALBufferedSize specifies the buffered byte size before flushing the
// WAL file to disk. The larger the size, the less frequently the file gets
// written to, but the more data gets lost on a crash.
// A size of 0 writes through every append. Defaults to 4096.
func WithWALBufferedSize(size int) Option {
	return func(s *storage) {
		s.walBufferedSize = size
	}
}

// WithoutWAL disables the write-ahead log entirely, trading durability for
// ingestion throughput.
func WithoutWAL() Option {
	return func(s *storage) {
		s.walDisabled = true
	}
}

// WithFlushInterval specifies how often the background task inspects
// partitions to persist and expire them. Defaults to 30s.
func WithFlushInterval(interval time.Duration) Option {
	return func(s *storage) {
		s.flushInterval = interval
	}
}

// WithWritablePartitions specifies how many of the most recent partitions
// accept writes. Out-of-order rows older than the head can still land in
// the partitions within this window; anything behind it gets rejected.
// Defaults to 2.
func WithWritablePartitions(n int) Option {
	return func(s *storage) {
		s.writablePartitions = n
	}
}

// WithLogger specifies the logger emitting the storage's internal events.
// Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(s *storage) {
		s.logger = logger
	}
}

// WithMetricsRegisterer makes the storage register its internal metrics
// with the given registerer. Defaults to none.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(s *storage) {
		s.registerer = r
	}
}

// NewStorage gives back a new storage, which stores time-series data in the
// process memory by default.
//
// Give the WithDataPath option for running as an on-disk storage. Specify a
// directory with data already exists, then it will be read as the initial data.
func NewStorage(opts ...Option) (Storage, error) {
	s := &storage{
		partitionList:   newPartitionList(),
		workersLimitCh:  make(chan struct{}, defaultWorkersLimit),
		doneCh:          make(chan struct{}),
		wal:             &nopWAL{},
		walBufferedSize: defaultWALBufferedSize,
		encoderFactory:  newSeriesEncoder,
		decoderFactory:  newSeriesDecoder,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.partitionDuration <= 0 {
		s.partitionDuration = defaultPartitionDuration
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.timestampPrecision == "" {
		s.timestampPrecision = defaultTimestampPrecision
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.walBufferedSize < 0 {
		s.walBufferedSize = defaultWALBufferedSize
	}
	if s.flushInterval <= 0 {
		s.flushInterval = defaultFlushInterval
	}
	if s.writablePartitions <= 0 {
		s.writablePartitions = defaultWritablePartitions
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	s.metrics = newStorageMetrics(s.registerer, s.partitionList)

	if s.inMemoryMode() {
		s.walDisabled = true
		s.bgWG.Add(1)
		go s.run()
		return s, nil
	}

	if err := os.MkdirAll(s.dataPath, fs.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to make data directory %s: %w", s.dataPath, err)
	}
	fl := flock.New(filepath.Join(s.dataPath, lockFileName))
	held, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !held {
		return nil, ErrDataPathLocked
	}
	s.flock = fl

	walDir := filepath.Join(s.dataPath, walDirName)
	var recovered []Row
	if !s.walDisabled {
		// Records not yet persisted into a disk partition have to be
		// reconstructed before any external write gets accepted.
		recovered, err = newDiskWALReader(walDir).readAll()
		if err != nil {
			fl.Unlock()
			return nil, fmt.Errorf("failed to recover the WAL: %w", err)
		}
		w, err := newDiskWAL(walDir, s.walBufferedSize)
		if err != nil {
			fl.Unlock()
			return nil, err
		}
		s.wal = w
	}
	if len(recovered) > 0 {
		if err := s.insertRowsToPartitions(recovered); err != nil && !errors.Is(err, ErrPastWindow) {
			fl.Unlock()
			return nil, fmt.Errorf("failed to apply recovered rows: %w", err)
		}
		level.Info(s.logger).Log("msg", "recovered rows from the WAL", "rows", len(recovered))
	}

	// Read existent partitions from the disk.
	files, err := os.ReadDir(s.dataPath)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	partitions := make([]partition, 0, len(files))
	for _, f := range files {
		if !f.IsDir() {
			continue
		}
		if strings.Contains(f.Name(), ".tmp-") {
			// Leftover of a flush that never committed.
			os.RemoveAll(filepath.Join(s.dataPath, f.Name()))
			continue
		}
		if !partitionDirRegex.MatchString(f.Name()) {
			continue
		}
		path := filepath.Join(s.dataPath, f.Name())
		part, err := openDiskPartition(path, s.decoderFactory)
		if err != nil {
			fl.Unlock()
			return nil, fmt.Errorf("failed to open disk partition for %s: %w", path, err)
		}
		partitions = append(partitions, part)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].minTimestamp() < partitions[j].minTimestamp()
	})
	for i := len(partitions) - 1; i >= 0; i-- {
		s.partitionList.pushBack(partitions[i])
	}

	s.bgWG.Add(1)
	go s.run()
	return s, nil
}

type storage struct {
	partitionList partitionList

	wal                wal
	partitionDuration  time.Duration
	retention          time.Duration
	timestampPrecision TimestampPrecision
	dataPath           string
	writeTimeout       time.Duration
	walBufferedSize    int
	walDisabled        bool
	flushInterval      time.Duration
	writablePartitions int

	logger     log.Logger
	registerer prometheus.Registerer
	metrics    *storageMetrics

	encoderFactory encoderFactory
	decoderFactory decoderFactory

	workersLimitCh chan struct{}
	// wg must be incremented to guarantee all writes are done gracefully.
	wg sync.WaitGroup

	rotateMu  sync.Mutex
	flock     *flock.Flock
	doneCh    chan struct{}
	bgWG      sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func (s *storage) InsertRows(rows []Row) error {
	s.wg.Add(1)
	defer s.wg.Done()

	select {
	case <-s.doneCh:
		return fmt.Errorf("storage is closed")
	default:
	}
	if len(rows) == 0 {
		return fmt.Errorf("no rows given")
	}
	now := toUnix(time.Now(), s.timestampPrecision)
	for i := range rows {
		if rows[i].Metric == "" {
			return ErrMetricRequired
		}
		if rows[i].Timestamp == 0 {
			rows[i].Timestamp = now
		}
	}

	insert := func() error {
		defer func() { <-s.workersLimitCh }()
		// Rows have to hit the WAL before any partition mutation.
		if err := s.wal.appendRows(rows); err != nil {
			return fmt.Errorf("failed to append rows to the WAL: %w", err)
		}
		return s.insertRowsToPartitions(rows)
	}

	// Limit the number of concurrent goroutines to prevent from out of memory
	// errors and CPU trashing even if too many goroutines attempt to write.
	select {
	case s.workersLimitCh <- struct{}{}:
		return insert()
	default:
	}

	// Seems like all workers are busy; wait for up to writeTimeout.
	t := timerpool.Get(s.writeTimeout)
	select {
	case s.workersLimitCh <- struct{}{}:
		timerpool.Put(t)
		return insert()
	case <-t.C:
		timerpool.Put(t)
		return fmt.Errorf("failed to write a data point in %s, since it is overloaded with %d concurrent writers",
			s.writeTimeout, defaultWorkersLimit)
	}
}

// insertRowsToPartitions routes each row to the partition responsible for
// its timestamp. Rows that fall behind the writable window get dropped and
// reported as ErrPastWindow; the rest are inserted regardless.
func (s *storage) insertRowsToPartitions(rows []Row) error {
	batches := make(map[*memoryPartition][]Row)
	rejected := 0
	for i := range rows {
		p, err := s.writablePartition(rows[i].Timestamp)
		if errors.Is(err, ErrPastWindow) {
			rejected++
			continue
		}
		if err != nil {
			return err
		}
		batches[p] = append(batches[p], rows[i])
	}
	for p, batch := range batches {
		if err := p.insertRows(batch); err != nil {
			return fmt.Errorf("failed to insert rows: %w", err)
		}
	}
	s.metrics.insertedRows.Add(float64(len(rows) - rejected))
	if rejected > 0 {
		s.metrics.rejectedRows.Add(float64(rejected))
		return fmt.Errorf("%w: %d of %d rows dropped", ErrPastWindow, rejected, len(rows))
	}
	return nil
}

// writablePartition gives back the memory partition the given timestamp
// belongs to, cutting a new head if the timestamp is ahead of all of them.
func (s *storage) writablePartition(timestamp int64) (*memoryPartition, error) {
	if p := s.findWritable(timestamp); p != nil {
		return p, nil
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()
	// Another writer may have cut the new head in the meantime.
	if p := s.findWritable(timestamp); p != nil {
		return p, nil
	}
	head := s.partitionList.getHead()
	if head != nil && timestamp < partitionEndTimestamp(head) {
		return nil, ErrPastWindow
	}
	p := newMemoryPartition(
		alignStartTimestamp(timestamp, durationToUnits(s.partitionDuration, s.timestampPrecision)),
		s.partitionDuration,
		s.timestampPrecision,
	)
	s.partitionList.insert(p)
	if s.partitionList.size() > 1 {
		// The sealed segment corresponds to the previous head.
		if err := s.wal.punctuate(); err != nil {
			return nil, fmt.Errorf("failed to punctuate the WAL: %w", err)
		}
	}
	return p, nil
}

// findWritable scans the partitions within the writable window for one
// whose interval contains the given timestamp.
func (s *storage) findWritable(timestamp int64) *memoryPartition {
	iterator := s.partitionList.newIterator()
	for i := 0; iterator.next() && i < s.writablePartitions; i++ {
		p, ok := iterator.value().(*memoryPartition)
		if !ok {
			// Partitions behind this one have been persisted already.
			break
		}
		if p.accepts(timestamp) {
			return p
		}
	}
	return nil
}

// partitionEndTimestamp gives back the exclusive end of the partition interval.
func partitionEndTimestamp(p partition) int64 {
	switch v := p.(type) {
	case *memoryPartition:
		return v.endTimestamp()
	case *diskPartition:
		return v.meta.StartTimestamp + v.meta.PartitionDuration
	default:
		return p.maxTimestamp() + 1
	}
}

// alignStartTimestamp floors the given timestamp to a multiple of the
// partition duration, handling negative timestamps as well.
func alignStartTimestamp(timestamp, duration int64) int64 {
	q := timestamp / duration
	if timestamp%duration != 0 && timestamp < 0 {
		q--
	}
	return q * duration
}

func (s *storage) Select(metric string, labels []Label, start, end int64) ([]*DataPoint, error) {
	if metric == "" {
		return nil, ErrMetricRequired
	}
	if start >= end {
		return nil, ErrInvalidTimeRange
	}

	points := make([]*DataPoint, 0)
	// Iterate over all partitions from the newest one.
	iterator := s.partitionList.newIterator()
	for iterator.next() {
		part := iterator.value()
		if part == nil {
			return nil, fmt.Errorf("unexpected empty partition found")
		}
		if part.maxTimestamp() < start {
			// No need to keep going anymore
			break
		}
		if part.minTimestamp() >= end {
			continue
		}
		ps, err := part.selectDataPoints(metric, labels, start, end)
		if errors.Is(err, ErrNoDataPoints) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select data points: %w", err)
		}
		// Partitions seen earlier hold newer points; prepend to keep the
		// result in ascending order.
		points = append(ps, points...)
	}
	return points, nil
}

func (s *storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.doneCh)
		s.wg.Wait()
		s.bgWG.Wait()

		var errs *multierror.Error
		if err := s.wal.flush(); err != nil {
			errs = multierror.Append(errs, err)
		}

		if !s.inMemoryMode() {
			// Persist all in-memory partitions including the head.
			iterator := s.partitionList.newIterator()
			for iterator.next() {
				p, ok := iterator.value().(*memoryPartition)
				if !ok {
					continue
				}
				if err := s.flushPartition(p); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("failed to persist a partition: %w", err))
				}
			}
			if errs.ErrorOrNil() == nil {
				// Everything is in disk partitions now.
				if err := s.wal.removeAll(); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
			iterator = s.partitionList.newIterator()
			for iterator.next() {
				if d, ok := iterator.value().(*diskPartition); ok {
					if err := d.close(); err != nil {
						errs = multierror.Append(errs, err)
					}
				}
			}
			if err := s.flock.Unlock(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("failed to unlock the data directory: %w", err))
			}
		}
		s.closeErr = errs.ErrorOrNil()
	})
	return s.closeErr
}

// run periodically persists partitions that fell behind the writable window
// and expires partitions that ran out of the retention period.
func (s *storage) run() {
	defer s.bgWG.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			if err := s.flushExpiredPartitions(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to flush partitions, will retry", "err", err)
			}
			if err := s.removeExpiredPartitions(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to expire partitions, will retry", "err", err)
			}
		}
	}
}

// flushExpiredPartitions persists every memory partition that is both behind
// the writable window and older than the flush threshold.
func (s *storage) flushExpiredPartitions() error {
	if s.inMemoryMode() {
		return nil
	}
	threshold := toUnix(time.Now(), s.timestampPrecision) -
		durationToUnits(s.partitionDuration, s.timestampPrecision)*int64(s.writablePartitions)

	var errs *multierror.Error
	i := 0
	iterator := s.partitionList.newIterator()
	for iterator.next() {
		i++
		if i <= s.writablePartitions {
			// Writers may still be appending within the window.
			continue
		}
		p, ok := iterator.value().(*memoryPartition)
		if !ok {
			continue
		}
		if p.maxTimestamp() >= threshold {
			continue
		}
		if err := s.flushPartition(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// flushPartition persists the given memory partition and swaps it for the
// resulting disk partition. The released WAL segment gets removed once the
// disk partition is durably committed.
func (s *storage) flushPartition(p *memoryPartition) error {
	if p.size() == 0 {
		if err := s.partitionList.remove(p); err != nil {
			return fmt.Errorf("failed to remove an empty partition: %w", err)
		}
		return nil
	}
	dir := filepath.Join(s.dataPath, fmt.Sprintf("p-%d", p.minTimestamp()))
	newPart, err := newDiskPartition(dir, p, s.encoderFactory, s.decoderFactory)
	if err != nil {
		return fmt.Errorf("failed to generate disk partition for %s: %w", dir, err)
	}
	if err := s.partitionList.swap(p, newPart); err != nil {
		return fmt.Errorf("failed to swap partitions: %w", err)
	}
	if err := s.wal.removeOldest(); err != nil {
		level.Warn(s.logger).Log("msg", "failed to remove the oldest WAL segment", "err", err)
	}
	s.metrics.flushedPartitions.Inc()
	level.Debug(s.logger).Log("msg", "persisted a partition", "dir", dir, "points", newPart.size())
	return nil
}

// removeExpiredPartitions unlinks partitions whose newest point ran out of
// the retention period.
func (s *storage) removeExpiredPartitions() error {
	threshold := toUnix(time.Now(), s.timestampPrecision) -
		durationToUnits(s.retention, s.timestampPrecision)

	var errs *multierror.Error
	expired := make([]partition, 0)
	iterator := s.partitionList.newIterator()
	for iterator.next() {
		part := iterator.value()
		if part.maxTimestamp() < threshold {
			expired = append(expired, part)
		}
	}
	for _, part := range expired {
		if err := s.partitionList.remove(part); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to remove an expired partition: %w", err))
			continue
		}
		if err := part.clean(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to clean an expired partition: %w", err))
			continue
		}
		s.metrics.evictedPartitions.Inc()
	}
	return errs.ErrorOrNil()
}

func (s *storage) inMemoryMode() bool {
	return s.dataPath == ""
}
