// Package download implements the ProgressiveDownloader storage core: a
// seekable reader backed by on-demand HTTP range fetching into a
// pre-allocated temp file, with a RangeSet tracking what has been
// written and a background task filling the remainder. The
// fetch-mutex/file-mutex separation keeps decisions about what to fetch
// serialized separately from the actual byte writes.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/rangeset"
)

const (
	minChunk = 64 * 1024
	maxChunk = 256 * 1024

	maxRetries = 3

	readAheadDuration = 10 * time.Second
	maxBufferAhead    = 60 * time.Second
	assumedBitrate    = 320 * 1000 / 8 // bytes/sec at 320kbps

	highThroughput = 500 * 1024
	lowThroughput  = 100 * 1024
)

// ProgressiveDownloader presents a blocking, seekable Read interface
// backed by on-demand HTTP range fetches.
type ProgressiveDownloader struct {
	fetcher  Fetcher
	fileSize int64

	file   *os.File
	fileMu sync.Mutex

	fetchMu sync.Mutex
	ranges  *rangeset.Set

	posMu    sync.Mutex
	position int64

	throughputMu sync.Mutex
	throughput   float64 // EMA, bytes/sec

	streaming atomic.Bool

	closeOnce sync.Once
	bgCancel  context.CancelFunc
}

// New creates a ProgressiveDownloader for a file of the given total
// size, optionally pre-seeded with head bytes already known to be valid
// (the LazyProgressiveDownloader's head region).
func New(fetcher Fetcher, fileSize int64, headBytes []byte) (*ProgressiveDownloader, error) {
	f, err := os.CreateTemp("", "spotconnect-track-*")
	if err != nil {
		return nil, fmt.Errorf("download: create temp file: %w", err)
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("download: preallocate temp file: %w", err)
	}

	d := &ProgressiveDownloader{
		fetcher:  fetcher,
		fileSize: fileSize,
		file:     f,
		ranges:   rangeset.New(),
	}

	if len(headBytes) > 0 {
		if _, err := f.WriteAt(headBytes, 0); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("download: seed head bytes: %w", err)
		}
		d.ranges.Add(rangeset.Range{Start: 0, End: int64(len(headBytes))})
	}

	return d, nil
}

// Seek repositions the logical read cursor in O(1); no prefetch is
// triggered here.
func (d *ProgressiveDownloader) Seek(offset int64, whence int) (int64, error) {
	d.posMu.Lock()
	defer d.posMu.Unlock()

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = d.position + offset
	case io.SeekEnd:
		next = d.fileSize + offset
	default:
		return 0, fmt.Errorf("download: invalid whence %d", whence)
	}
	if next < 0 || next > d.fileSize {
		return 0, fmt.Errorf("download: seek out of range")
	}
	d.position = next
	return next, nil
}

// Read blocks until [position, position+len(buf)) is available, fetching
// any missing ranges on demand, then reads from the temp file.
func (d *ProgressiveDownloader) Read(buf []byte) (int, error) {
	d.posMu.Lock()
	pos := d.position
	d.posMu.Unlock()

	if pos >= d.fileSize {
		return 0, io.EOF
	}

	count := int64(len(buf))
	if pos+count > d.fileSize {
		count = d.fileSize - pos
	}

	if err := d.ensureRange(context.Background(), pos, pos+count); err != nil {
		return 0, err
	}

	d.fileMu.Lock()
	n, err := d.file.ReadAt(buf[:count], pos)
	d.fileMu.Unlock()
	if err != nil && err != io.EOF {
		return n, err
	}

	d.posMu.Lock()
	d.position += int64(n)
	d.posMu.Unlock()

	if d.streaming.Load() {
		d.fireBackgroundPrefetch(pos + int64(n))
	}
	return n, nil
}

// SetStreaming enables streaming mode: every read fires a read-ahead
// prefetch of roughly read_ahead_duration worth of audio past the new
// position.
func (d *ProgressiveDownloader) SetStreaming(enabled bool) {
	d.streaming.Store(enabled)
}

// ensureRange blocks until [start, end) is fully held, fetching gaps as
// needed. The fetch mutex guards decisions so two concurrent readers
// never fetch the same gap twice.
func (d *ProgressiveDownloader) ensureRange(ctx context.Context, start, end int64) error {
	d.fetchMu.Lock()
	defer d.fetchMu.Unlock()

	if d.ranges.ContainsRange(start, end) {
		return nil
	}

	for _, gap := range d.ranges.Gaps(start, end) {
		fetchStart := gap.Start
		fetchEnd := gap.End
		if fetchEnd-fetchStart < minChunk {
			fetchEnd = fetchStart + minChunk
			if fetchEnd > d.fileSize {
				fetchEnd = d.fileSize
			}
		}
		if err := d.fetchAndStore(ctx, fetchStart, fetchEnd); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndStore fetches one range with retry/backoff and writes it into
// the temp file, recording it in the range set.
func (d *ProgressiveDownloader) fetchAndStore(ctx context.Context, start, end int64) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			backoff *= 2
		}

		started := time.Now()
		body, err := d.fetcher.FetchRange(ctx, start, end)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return err
			}
			continue
		}

		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		d.fileMu.Lock()
		_, werr := d.file.WriteAt(data, start)
		d.fileMu.Unlock()
		if werr != nil {
			return fmt.Errorf("download: write fetched range: %w", werr)
		}

		elapsed := time.Since(started).Seconds()
		if elapsed > 0 {
			d.recordThroughput(float64(len(data)) / elapsed)
		}

		d.ranges.Add(rangeset.Range{Start: start, End: start + int64(len(data))})
		return nil
	}
	return fmt.Errorf("download: fetch range [%d,%d) failed after %d attempts: %w", start, end, maxRetries, lastErr)
}

func (d *ProgressiveDownloader) recordThroughput(instant float64) {
	d.throughputMu.Lock()
	defer d.throughputMu.Unlock()
	if d.throughput == 0 {
		d.throughput = instant
		return
	}
	d.throughput = (d.throughput + instant) / 2
}

// BufferStatus reports download progress for UI consumers.
type BufferStatus struct {
	BytesHeld      int64
	FileSize       int64
	ThroughputBps  float64
	ContainedAhead int64
}

// Status returns the current buffer status relative to the read cursor.
func (d *ProgressiveDownloader) Status() BufferStatus {
	d.posMu.Lock()
	pos := d.position
	d.posMu.Unlock()

	d.throughputMu.Lock()
	tp := d.throughput
	d.throughputMu.Unlock()

	d.fetchMu.Lock()
	held := d.ranges.TotalBytes()
	ahead := d.ranges.ContainedLengthFrom(pos)
	d.fetchMu.Unlock()

	return BufferStatus{
		BytesHeld:      held,
		FileSize:       d.fileSize,
		ThroughputBps:  tp,
		ContainedAhead: ahead,
	}
}

// fireBackgroundPrefetch fires (does not await) a prefetch of
// approximately read_ahead_duration*bitrate bytes ahead of pos.
func (d *ProgressiveDownloader) fireBackgroundPrefetch(pos int64) {
	target := pos + int64(readAheadDuration.Seconds()*assumedBitrate)
	if target > d.fileSize {
		target = d.fileSize
	}
	if target <= pos {
		return
	}
	go func() {
		_ = d.ensureRange(context.Background(), pos, target)
	}()
}

// StartBackgroundFill launches a goroutine that fills remaining gaps
// until the file is complete, targeting a throughput-sensitive buffer
// ahead of the reader.
func (d *ProgressiveDownloader) StartBackgroundFill(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.bgCancel = cancel
	go d.backgroundFillLoop(ctx)
}

func (d *ProgressiveDownloader) backgroundFillLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The fetch mutex covers both the decision (what gap, if any) and
		// the fetch itself, so a blocking reader never races this loop for
		// the same gap.
		d.fetchMu.Lock()
		if d.ranges.TotalBytes() >= d.fileSize {
			d.fetchMu.Unlock()
			return
		}

		d.posMu.Lock()
		pos := d.position
		d.posMu.Unlock()

		target := d.bufferTargetBytes()
		ahead := d.ranges.ContainedLengthFrom(pos)
		if ahead >= target {
			d.fetchMu.Unlock()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		gap := d.nextGapToFill(pos)
		if gap == nil {
			d.fetchMu.Unlock()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		end := gap.Start + maxChunk
		if end > gap.End {
			end = gap.End
		}
		err := d.fetchAndStore(ctx, gap.Start, end)
		d.fetchMu.Unlock()
		if err != nil {
			slog.Debug("download: background fetch failed", "err", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, 50*time.Millisecond) {
			return
		}
	}
}

// bufferTargetBytes linearly interpolates the background-fill target
// between the minimum and maximum buffer-ahead targets based on the
// current throughput EMA.
func (d *ProgressiveDownloader) bufferTargetBytes() int64 {
	d.throughputMu.Lock()
	tp := d.throughput
	d.throughputMu.Unlock()

	minTarget := readAheadDuration.Seconds() * assumedBitrate
	maxTarget := maxBufferAhead.Seconds() * assumedBitrate

	switch {
	case tp >= highThroughput:
		return int64(minTarget)
	case tp <= lowThroughput || tp == 0:
		return int64(maxTarget)
	default:
		frac := (tp - lowThroughput) / (highThroughput - lowThroughput)
		return int64(maxTarget - frac*(maxTarget-minTarget))
	}
}

// nextGapToFill prioritizes gaps at or after pos, wrapping to the
// earliest gap if none is ahead. Callers hold the fetch mutex.
func (d *ProgressiveDownloader) nextGapToFill(pos int64) *rangeset.Range {
	gaps := d.ranges.Gaps(0, d.fileSize)
	if len(gaps) == 0 {
		return nil
	}
	for _, g := range gaps {
		if g.Start >= pos {
			gc := g
			return &gc
		}
	}
	gc := gaps[0]
	return &gc
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops background filling and releases the temp file (deleted on
// close).
func (d *ProgressiveDownloader) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.bgCancel != nil {
			d.bgCancel()
		}
		name := d.file.Name()
		err = d.file.Close()
		os.Remove(name)
	})
	return err
}
