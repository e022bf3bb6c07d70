// Package persist writes local document changes to durable storage after a
// quiet period and reports save status for the editor chrome.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/debounce"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
)

// Writer is the durable side of the bridge.
type Writer interface {
	SaveContent(ctx context.Context, documentID string, content []byte) error
}

type Config struct {
	SaveDebounce  time.Duration
	SavedCooldown time.Duration
	WriteTimeout  time.Duration
}

type Option func(*Bridge)

func WithScheduler(s debounce.Scheduler) Option {
	return func(b *Bridge) {
		if s != nil {
			b.schedule = s
		}
	}
}

// WithErrorHandler is called after a failed write, once status is back to idle.
func WithErrorHandler(fn func(error)) Option {
	return func(b *Bridge) {
		b.onError = fn
	}
}

// Bridge owns the save status of one open document. Status is local only.
type Bridge struct {
	documentID string
	writer     Writer
	cfg        Config
	logger     *zap.Logger
	schedule   debounce.Scheduler
	onError    func(error)

	save *debounce.Func[[]byte]

	mu        sync.Mutex
	status    Status
	cooldown  debounce.Timer
	observers map[int]func(Status)
	nextObs   int
	closed    bool
}

func New(documentID string, writer Writer, cfg Config, logger *zap.Logger, opts ...Option) *Bridge {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	b := &Bridge{
		documentID: documentID,
		writer:     writer,
		cfg:        cfg,
		logger:     logger,
		schedule:   debounce.RealScheduler,
		status:     StatusIdle,
		observers:  make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.save = debounce.New(cfg.SaveDebounce, b.write, debounce.WithScheduler(b.schedule))
	return b
}

// Changed records a new local snapshot. The write happens once the document
// has been quiet for SaveDebounce; only the latest snapshot is written.
func (b *Bridge) Changed(content []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.setStatus(StatusSaving)
	b.save.Call(content)
}

func (b *Bridge) write(content []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	if err := b.writer.SaveContent(ctx, b.documentID, content); err != nil {
		b.logger.Warn("save document content",
			zap.String("document_id", b.documentID),
			zap.Error(err),
		)
		b.setStatus(StatusIdle)
		if b.onError != nil {
			b.onError(err)
		}
		return
	}

	// A newer edit is already queued; its save owns the status.
	if b.save.Pending() {
		return
	}
	b.setStatus(StatusSaved)

	b.mu.Lock()
	var timer debounce.Timer
	timer = b.schedule(b.cfg.SavedCooldown, func() {
		b.mu.Lock()
		if b.cooldown != timer || b.status != StatusSaved {
			b.mu.Unlock()
			return
		}
		b.cooldown = nil
		b.mu.Unlock()
		b.setStatus(StatusIdle)
	})
	b.cooldown = timer
	b.mu.Unlock()
}

func (b *Bridge) setStatus(s Status) {
	b.mu.Lock()
	if b.cooldown != nil && s != StatusSaved {
		b.cooldown.Stop()
		b.cooldown = nil
	}
	if b.status == s {
		b.mu.Unlock()
		return
	}
	b.status = s
	fns := make([]func(Status), 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// OnStatus registers fn for status transitions.
func (b *Bridge) OnStatus(fn func(Status)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextObs++
	id := b.nextObs
	b.observers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, id)
	}
}

// Close writes any pending snapshot immediately and stops accepting changes.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.save.Flush()

	b.mu.Lock()
	if b.cooldown != nil {
		b.cooldown.Stop()
		b.cooldown = nil
	}
	b.mu.Unlock()
}
