package download

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// KeyFuture resolves the audio key for the track being loaded.
type KeyFuture func(ctx context.Context) ([16]byte, error)

// StorageFuture resolves the CDN URL and total size of the file being
// loaded, in one round trip. It is not started alongside the head-file
// fetch: it is first called when a read or an end-relative seek
// actually needs bytes beyond head.
type StorageFuture func(ctx context.Context) (cdnURL string, fileSize int64, err error)

// LazyProgressiveDownloader serves head bytes immediately and only
// wires the audio key, CDN URL/size, and underlying
// ProgressiveDownloader the first time a read or an end-relative seek
// crosses the head/CDN boundary. This is what lets decoding start
// before the key, CDN URL, or file size is known.
type LazyProgressiveDownloader struct {
	head      []byte
	keyFn     KeyFuture
	storageFn StorageFuture

	posMu    sync.Mutex
	position int64
	fileSize int64 // only valid once initDone

	initMu   sync.Mutex
	initDone bool
	inner    io.ReadSeeker // *AudioDecryptStream wrapping *ProgressiveDownloader once initialized
	pd       *ProgressiveDownloader
}

// NewLazy creates a LazyProgressiveDownloader serving head immediately.
// keyFn and storageFn are not called until a read or an end-relative
// seek needs bytes beyond head.
func NewLazy(head []byte, keyFn KeyFuture, storageFn StorageFuture) *LazyProgressiveDownloader {
	return &LazyProgressiveDownloader{
		head:      head,
		keyFn:     keyFn,
		storageFn: storageFn,
	}
}

func (l *LazyProgressiveDownloader) Seek(offset int64, whence int) (int64, error) {
	l.posMu.Lock()
	pos := l.position
	l.posMu.Unlock()

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = pos + offset
	case io.SeekEnd:
		// The total size isn't known until storage resolves; this
		// awaits the same futures a read crossing into CDN territory
		// would.
		size, err := l.resolveFileSize(context.Background())
		if err != nil {
			return 0, err
		}
		next = size + offset
	default:
		return 0, fmt.Errorf("download: invalid whence %d", whence)
	}

	l.posMu.Lock()
	l.position = next
	l.posMu.Unlock()
	return next, nil
}

func (l *LazyProgressiveDownloader) resolveFileSize(ctx context.Context) (int64, error) {
	l.posMu.Lock()
	initDone := l.initDone
	size := l.fileSize
	l.posMu.Unlock()
	if initDone {
		return size, nil
	}
	if err := l.ensureInit(ctx); err != nil {
		return 0, err
	}
	l.posMu.Lock()
	size = l.fileSize
	l.posMu.Unlock()
	return size, nil
}

func (l *LazyProgressiveDownloader) Read(buf []byte) (int, error) {
	l.posMu.Lock()
	pos := l.position
	initDone := l.initDone
	l.posMu.Unlock()

	if !initDone && pos < int64(len(l.head)) {
		n := copy(buf, l.head[pos:])
		l.posMu.Lock()
		l.position += int64(n)
		l.posMu.Unlock()
		return n, nil
	}

	if err := l.ensureInit(context.Background()); err != nil {
		return 0, err
	}

	l.posMu.Lock()
	if _, err := l.inner.Seek(pos, io.SeekStart); err != nil {
		l.posMu.Unlock()
		return 0, err
	}
	n, err := l.inner.Read(buf)
	l.position = pos + int64(n)
	l.posMu.Unlock()
	return n, err
}

// ensureInit awaits the key and storage futures exactly once (guarded
// by initMu) and builds the real ProgressiveDownloader + decrypt
// overlay, seeded with the head bytes already held.
func (l *LazyProgressiveDownloader) ensureInit(ctx context.Context) error {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	if l.initDone {
		return nil
	}

	key, err := l.keyFn(ctx)
	if err != nil {
		return fmt.Errorf("download: resolve audio key: %w", err)
	}
	cdnURL, fileSize, err := l.storageFn(ctx)
	if err != nil {
		return fmt.Errorf("download: resolve cdn url: %w", err)
	}

	pd, err := New(NewHTTPFetcher(cdnURL), fileSize, l.head)
	if err != nil {
		return err
	}
	pd.SetStreaming(true)
	pd.StartBackgroundFill(context.Background())

	// Publish everything under posMu so Read/Seek, which check initDone
	// under that lock, observe a fully-constructed inner stream.
	l.posMu.Lock()
	l.fileSize = fileSize
	l.pd = pd
	l.inner = NewAudioDecryptStream(key, pd, int64(len(l.head)))
	l.initDone = true
	l.posMu.Unlock()
	return nil
}

// PrefetchRange forwards to the underlying downloader once initialized;
// before initialization, a range crossing into CDN territory triggers
// initialization.
func (l *LazyProgressiveDownloader) PrefetchRange(ctx context.Context, start, length int64) {
	l.posMu.Lock()
	initDone := l.initDone
	l.posMu.Unlock()

	if !initDone && start+length <= int64(len(l.head)) {
		return
	}
	if err := l.ensureInit(ctx); err != nil {
		return
	}
	l.posMu.Lock()
	pd := l.pd
	l.posMu.Unlock()
	pd.fireBackgroundPrefetch(start)
}

// Close releases the underlying downloader, if initialized.
func (l *LazyProgressiveDownloader) Close() error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.pd != nil {
		return l.pd.Close()
	}
	return nil
}
