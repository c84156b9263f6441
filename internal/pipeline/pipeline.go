// Package pipeline implements the audio pipeline: the single owner of
// "what is playing" on this device. It serializes every playback
// operation through one worker goroutine reading a FIFO channel, the
// same shape a single goroutine owning a connection's read/heartbeat
// loop uses, applied here to command processing instead of network
// frames. Seeks coalesce: a seek still pending when a newer one arrives
// is replaced rather than queued twice.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/go-spotconnect/spotconnect/internal/model"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
	"github.com/go-spotconnect/spotconnect/internal/track"
)

const (
	opQueueSize            = 16
	positionUpdateInterval = 500 * time.Millisecond
	seekPrefetchBefore     = 64 * 1024
	seekPrefetchAfter      = 192 * 1024
)

// State is the pipeline's playback state machine.
type State int

const (
	Stopped State = iota
	Loading
	Playing
	Paused
	Seeking
	ErrorState
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	case ErrorState:
		return "error"
	default:
		return "stopped"
	}
}

// Options are the shuffle/repeat flags a Play command may carry.
type Options struct {
	ShufflingContext *bool
	RepeatingContext *bool
	RepeatingTrack   *bool
}

// Queue supplies the next/previous track URI for skip operations; it is
// consulted rather than owned by the pipeline.
type Queue interface {
	// Next returns the next URI, whether one was available, and whether
	// the context is open-ended (station/autoplay) when it was not.
	Next() (uri string, ok bool, infinite bool)
	Previous() (uri string, ok bool)
}

// ConnectNotifier lets the pipeline reflect local state changes into
// ConnectState's PUT loop when bidirectional mode is enabled.
type ConnectNotifier interface {
	NotifyPlayerStateChanged(ctx context.Context)
}

type opKind int

const (
	opPlay opKind = iota
	opPause
	opResume
	opSeek
	opSkipNext
	opSkipPrev
	opSetShuffle
	opSetRepeatContext
	opSetRepeatTrack
	opStop
)

type op struct {
	kind opKind

	uri        string
	seekToMs   *int64
	trackIndex *int
	options    *Options

	positionMs int64
	boolValue  bool

	done chan error
}

// Pipeline is the AudioPipeline.
type Pipeline struct {
	registry *track.Registry
	queue    Queue
	notifier ConnectNotifier

	bidirectionalMu sync.RWMutex
	bidirectional   bool

	opCh chan op

	seekMu      sync.Mutex
	pendingSeek *op
	seekSignal  chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	buffering    bool
	preSeekState State
	stream       track.Stream
	meta         model.TrackMetadata
	trackUID     string
	shuffling    bool
	repeatCtx    bool
	repeatTrack  bool
	errorReason  string

	posMu         sync.Mutex
	positionMs    int64
	playStartWall time.Time
	playStartPos  int64
	durationMs    int64

	tickerMu     sync.Mutex
	tickerCancel context.CancelFunc

	stateStream *pubsub.Stream[model.LocalPlaybackState]
}

// New creates a Pipeline bound to a TrackSource registry. queue and
// notifier may be nil (skip-next/prev then fail with ErrNoSource, and
// bidirectional PUTs are skipped).
func New(registry *track.Registry, queue Queue, notifier ConnectNotifier) *Pipeline {
	p := &Pipeline{
		registry:    registry,
		queue:       queue,
		notifier:    notifier,
		opCh:        make(chan op, opQueueSize),
		seekSignal:  make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		stateStream: pubsub.NewStream[model.LocalPlaybackState](),
	}
	go p.run()
	return p
}

// SetBidirectional enables or disables reflecting local state changes
// into ConnectState's PUT loop.
func (p *Pipeline) SetBidirectional(enabled bool) {
	p.bidirectionalMu.Lock()
	p.bidirectional = enabled
	p.bidirectionalMu.Unlock()
}

func (p *Pipeline) isBidirectional() bool {
	p.bidirectionalMu.RLock()
	defer p.bidirectionalMu.RUnlock()
	return p.bidirectional
}

// StateChanges returns the LocalPlaybackState observable.
func (p *Pipeline) StateChanges() (<-chan model.LocalPlaybackState, func()) {
	return p.stateStream.Subscribe()
}

// CurrentState returns the current playback state.
func (p *Pipeline) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops the worker loop and disposes any loaded stream.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.mu.Lock()
		s := p.stream
		p.stream = nil
		p.mu.Unlock()
		if s != nil {
			_ = s.Dispose()
		}
		p.stopTicker()
	})
}

// Play loads uri via the track registry and begins playback. seekTo, if
// non-nil, is the initial position in milliseconds.
func (p *Pipeline) Play(ctx context.Context, uri string, seekTo *int64, skipTo *int, opts *Options) error {
	return p.submit(ctx, op{kind: opPlay, uri: uri, seekToMs: seekTo, trackIndex: skipTo, options: opts})
}

// Pause pauses playback, freezing the reported position.
func (p *Pipeline) Pause(ctx context.Context) error {
	return p.submit(ctx, op{kind: opPause})
}

// Resume resumes a paused stream.
func (p *Pipeline) Resume(ctx context.Context) error {
	return p.submit(ctx, op{kind: opResume})
}

// Stop tears down the current stream and returns to Stopped.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.submit(ctx, op{kind: opStop})
}

// SkipNext advances to the next queued track.
func (p *Pipeline) SkipNext(ctx context.Context) error {
	return p.submit(ctx, op{kind: opSkipNext})
}

// SkipPrev returns to the previous queued track.
func (p *Pipeline) SkipPrev(ctx context.Context) error {
	return p.submit(ctx, op{kind: opSkipPrev})
}

// SetShuffling sets the shuffle flag.
func (p *Pipeline) SetShuffling(ctx context.Context, v bool) error {
	return p.submit(ctx, op{kind: opSetShuffle, boolValue: v})
}

// SetRepeatingContext sets the repeat-context flag.
func (p *Pipeline) SetRepeatingContext(ctx context.Context, v bool) error {
	return p.submit(ctx, op{kind: opSetRepeatContext, boolValue: v})
}

// SetRepeatingTrack sets the repeat-track flag.
func (p *Pipeline) SetRepeatingTrack(ctx context.Context, v bool) error {
	return p.submit(ctx, op{kind: opSetRepeatTrack, boolValue: v})
}

// Seek repositions playback to positionMs. Same-kind operations
// coalesce: a seek still waiting in the queue is replaced by a newer one
// rather than both running.
// The superseded caller's Seek returns nil immediately — its effect
// was subsumed by the replacement, not an error.
func (p *Pipeline) Seek(ctx context.Context, positionMs int64) error {
	o := op{kind: opSeek, positionMs: positionMs, done: make(chan error, 1)}

	p.seekMu.Lock()
	if p.pendingSeek != nil {
		p.pendingSeek.done <- nil
	}
	p.pendingSeek = &o
	p.seekMu.Unlock()

	select {
	case p.seekSignal <- struct{}{}:
	default:
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return fmt.Errorf("pipeline: closed")
	}
}

func (p *Pipeline) submit(ctx context.Context, o op) error {
	o.done = make(chan error, 1)
	select {
	case p.opCh <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return fmt.Errorf("pipeline: closed")
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return fmt.Errorf("pipeline: closed")
	}
}

func (p *Pipeline) run() {
	for {
		select {
		case <-p.closeCh:
			return
		case o := <-p.opCh:
			p.execute(context.Background(), o)
		case <-p.seekSignal:
			p.seekMu.Lock()
			o := p.pendingSeek
			p.pendingSeek = nil
			p.seekMu.Unlock()
			if o != nil {
				p.execute(context.Background(), *o)
			}
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opPlay:
		err = p.doPlay(ctx, o.uri, o.seekToMs, o.options)
	case opPause:
		err = p.doPause()
	case opResume:
		err = p.doResume()
	case opStop:
		err = p.doStop()
	case opSeek:
		err = p.doSeek(ctx, o.positionMs)
	case opSkipNext:
		err = p.doSkip(ctx, true)
	case opSkipPrev:
		err = p.doSkip(ctx, false)
	case opSetShuffle:
		err = p.doSetOption(ctx, &p.shuffling, o.boolValue)
	case opSetRepeatContext:
		err = p.doSetOption(ctx, &p.repeatCtx, o.boolValue)
	case opSetRepeatTrack:
		err = p.doSetOption(ctx, &p.repeatTrack, o.boolValue)
	}
	if o.done != nil {
		o.done <- err
	}
}

// doPlay implements the load protocol: route to a TrackSource, dispose
// any current stream, hand the new stream to the decoder, transition to
// Playing.
func (p *Pipeline) doPlay(ctx context.Context, uri string, seekTo *int64, opts *Options) error {
	p.setState(Loading, "")

	stream, err := p.registry.Resolve(ctx, uri)
	if err != nil {
		p.setState(ErrorState, err.Error())
		return nil
	}

	p.mu.Lock()
	old := p.stream
	p.stream = stream
	p.meta = stream.Metadata()
	p.trackUID = uuid.NewString()
	durationMs := p.meta.DurationMs
	if opts != nil {
		if opts.ShufflingContext != nil {
			p.shuffling = *opts.ShufflingContext
		}
		if opts.RepeatingContext != nil {
			p.repeatCtx = *opts.RepeatingContext
		}
		if opts.RepeatingTrack != nil {
			p.repeatTrack = *opts.RepeatingTrack
		}
	}
	p.mu.Unlock()

	if old != nil {
		_ = old.Dispose()
	}

	startPos := int64(0)
	if seekTo != nil {
		startPos = *seekTo
		if err := seekStreamToMs(stream, startPos, durationMs); err != nil {
			slog.Warn("pipeline: initial seek failed, starting from 0", "err", err)
			startPos = 0
		}
	}

	p.posMu.Lock()
	p.positionMs = startPos
	p.playStartPos = startPos
	p.playStartWall = time.Now()
	p.durationMs = durationMs
	p.posMu.Unlock()

	p.mu.Lock()
	p.state = Playing
	p.mu.Unlock()

	p.startTicker()
	p.emit(ctx)
	return nil
}

func (p *Pipeline) doPause() error {
	p.mu.Lock()
	if p.state != Playing {
		p.mu.Unlock()
		return nil
	}
	p.freezePosition()
	p.state = Paused
	p.mu.Unlock()

	p.stopTicker()
	p.emit(context.Background())
	return nil
}

func (p *Pipeline) doResume() error {
	p.mu.Lock()
	if p.state != Paused {
		p.mu.Unlock()
		return nil
	}
	p.state = Playing
	p.mu.Unlock()

	p.posMu.Lock()
	p.playStartPos = p.positionMs
	p.playStartWall = time.Now()
	p.posMu.Unlock()

	p.startTicker()
	p.emit(context.Background())
	return nil
}

func (p *Pipeline) doStop() error {
	p.mu.Lock()
	old := p.stream
	p.stream = nil
	p.state = Stopped
	p.mu.Unlock()

	p.stopTicker()
	p.posMu.Lock()
	p.positionMs = 0
	p.posMu.Unlock()

	if old != nil {
		_ = old.Dispose()
	}
	p.emit(context.Background())
	return nil
}

// doSeek implements the seek protocol: estimate a byte offset, prefetch
// a 256 KiB window around it when the stream supports
// prefetch, then reposition the decoder. Streams that cannot seek fail
// with ErrSeekNotSupported and the state machine does not transition.
func (p *Pipeline) doSeek(ctx context.Context, positionMs int64) error {
	p.mu.Lock()
	stream := p.stream
	cur := p.state
	if stream == nil || (cur != Playing && cur != Paused) {
		p.mu.Unlock()
		return nil
	}
	if !stream.CanSeek() {
		p.mu.Unlock()
		return &Error{Code: ErrSeekNotSupported, Cause: track.ErrNotSeekable}
	}
	p.preSeekState = cur
	p.state = Seeking
	p.mu.Unlock()

	p.posMu.Lock()
	duration := p.durationMs
	p.posMu.Unlock()
	p.emit(ctx)

	byteOffset := estimateByteOffset(positionMs, duration, streamLength(stream))
	stream.PrefetchForSeek(ctx, byteOffset, seekPrefetchBefore+seekPrefetchAfter)

	if err := seekStreamToMs(stream, positionMs, duration); err != nil {
		p.mu.Lock()
		p.state = ErrorState
		p.errorReason = err.Error()
		p.mu.Unlock()
		p.emit(ctx)
		return &Error{Code: ErrDecoderError, Cause: err}
	}

	p.posMu.Lock()
	p.positionMs = positionMs
	p.playStartPos = positionMs
	p.playStartWall = time.Now()
	p.posMu.Unlock()

	p.mu.Lock()
	p.state = p.preSeekState
	p.mu.Unlock()

	if p.CurrentState() == Playing {
		p.startTicker()
	}
	p.emit(ctx)
	return nil
}

// doSkip consults the queue for the next/previous URI and loads it.
func (p *Pipeline) doSkip(ctx context.Context, forward bool) error {
	if p.queue == nil {
		return &Error{Code: ErrNoSource, Cause: fmt.Errorf("pipeline: no queue configured")}
	}

	if forward {
		uri, ok, infinite := p.queue.Next()
		if !ok {
			if infinite {
				slog.Info("pipeline: queue exhausted, context is infinite; awaiting more")
				return nil
			}
			return p.doStop()
		}
		return p.doPlay(ctx, uri, nil, nil)
	}

	uri, ok := p.queue.Previous()
	if !ok {
		return nil
	}
	return p.doPlay(ctx, uri, nil, nil)
}

func (p *Pipeline) doSetOption(ctx context.Context, flag *bool, v bool) error {
	p.mu.Lock()
	*flag = v
	p.mu.Unlock()
	p.emit(ctx)
	return nil
}

// setState transitions to the given state unconditionally and emits.
func (p *Pipeline) setState(to State, reason string) {
	p.mu.Lock()
	p.state = to
	p.errorReason = reason
	p.mu.Unlock()
	p.emit(context.Background())
}

func (p *Pipeline) freezePosition() {
	p.posMu.Lock()
	p.positionMs = p.computePositionLocked()
	p.posMu.Unlock()
}

func (p *Pipeline) computePositionLocked() int64 {
	if p.playStartWall.IsZero() {
		return p.positionMs
	}
	elapsed := time.Since(p.playStartWall).Milliseconds()
	pos := p.playStartPos + elapsed
	if p.durationMs > 0 && pos > p.durationMs {
		pos = p.durationMs
	}
	return pos
}

// snapshotPosition reads the current position and duration together,
// extrapolating from wall clock while playing.
func (p *Pipeline) snapshotPosition(playing bool) (positionMs, durationMs int64) {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	if playing {
		return p.computePositionLocked(), p.durationMs
	}
	return p.positionMs, p.durationMs
}

// startTicker begins the ~500ms-throttled position-update emissions,
// paced by a token-bucket limiter (one token per positionUpdateInterval,
// burst 1). The limiter paces only these ticker emissions; state
// transitions such as pause/resume or option flips call emit directly
// and are not throttled by it.
func (p *Pipeline) startTicker() {
	p.stopTicker()
	ctx, cancel := context.WithCancel(context.Background())
	p.tickerMu.Lock()
	p.tickerCancel = cancel
	p.tickerMu.Unlock()
	limiter := rate.NewLimiter(rate.Every(positionUpdateInterval), 1)
	go func() {
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			p.emit(context.Background())
		}
	}()
}

func (p *Pipeline) stopTicker() {
	p.tickerMu.Lock()
	defer p.tickerMu.Unlock()
	if p.tickerCancel != nil {
		p.tickerCancel()
		p.tickerCancel = nil
	}
}

func (p *Pipeline) emit(ctx context.Context) {
	p.mu.Lock()
	playing := p.state == Playing
	state := model.LocalPlaybackState{
		TrackURI:         p.meta.URI,
		TrackUID:         p.trackUID,
		IsPlaying:        playing,
		IsPaused:         p.state == Paused,
		IsBuffering:      p.buffering,
		Shuffling:        p.shuffling,
		RepeatingContext: p.repeatCtx,
		RepeatingTrack:   p.repeatTrack,
		Status:           toModelStatus(p.state),
		ErrorReason:      p.errorReason,
		Timestamp:        time.Now(),
	}
	p.mu.Unlock()
	state.PositionMs, state.DurationMs = p.snapshotPosition(playing)

	p.stateStream.Publish(state)

	if p.isBidirectional() && p.notifier != nil {
		p.notifier.NotifyPlayerStateChanged(ctx)
	}
}

func toModelStatus(s State) model.Status {
	switch s {
	case Loading:
		return model.StatusLoading
	case Playing:
		return model.StatusPlaying
	case Paused:
		return model.StatusPaused
	case Seeking:
		return model.StatusSeeking
	case ErrorState:
		return model.StatusError
	default:
		return model.StatusStopped
	}
}

// streamLength discovers a seekable stream's total byte length by
// seeking to the end and back, the same io.Seeker size-probe idiom used
// wherever a reader's length isn't otherwise exposed.
func streamLength(s track.Stream) int64 {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		slog.Warn("pipeline: failed to restore stream position after length probe", "err", err)
	}
	return end
}

// estimateByteOffset converts a millisecond position to a byte offset
// estimate: byte = position/duration * length.
func estimateByteOffset(positionMs, durationMs, length int64) int64 {
	if durationMs <= 0 || length <= 0 {
		return 0
	}
	offset := int64(float64(positionMs) / float64(durationMs) * float64(length))
	if offset < 0 {
		offset = 0
	}
	if offset > length {
		offset = length
	}
	return offset
}

func seekStreamToMs(s track.Stream, positionMs, durationMs int64) error {
	length := streamLength(s)
	offset := estimateByteOffset(positionMs, durationMs, length)
	_, err := s.Seek(offset, io.SeekStart)
	return err
}
