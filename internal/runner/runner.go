// Package runner implements the engine's abstract queue runner: a loop
// that consumes one Switchboard directory and dispatches each entry to a
// Handler chain, surviving individual handler failures by shunting.
package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/queue"
)

// Decision is the outcome a Handler signals after inspecting one entry.
type Decision int

const (
	// Continue passes the entry to the next handler in the chain.
	Continue Decision = iota
	// Halt stops the chain for this entry without error; the entry is
	// considered successfully disposed of by the handler that halted it.
	Halt
	// Discard silently ends processing for this entry: no further
	// handlers run, and the entry is finished without being shunted.
	Discard
	// Requeue reinjects the entry onto a different named queue and ends
	// processing for the current chain.
	Requeue
)

// Handler processes one queue entry for a list, optionally mutating
// metadata, and returns a Decision. The returned string (the target queue
// name) is only meaningful when the returned Decision is Requeue.
type Handler interface {
	Name() string
	Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (Decision, string, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, list string, message []byte, meta queue.Metadata) (Decision, string, error)
}

// NewHandlerFunc builds a Handler from a function.
func NewHandlerFunc(name string, fn func(ctx context.Context, list string, message []byte, meta queue.Metadata) (Decision, string, error)) HandlerFunc {
	return HandlerFunc{name: name, fn: fn}
}

func (h HandlerFunc) Name() string { return h.name }

func (h HandlerFunc) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (Decision, string, error) {
	return h.fn(ctx, list, message, meta)
}

// Dispose is the outer verdict for a dequeued entry, returned by
// Runner.disposeOne after running the handler chain.
type Dispose int

const (
	// Done indicates successful, terminal processing: finish the entry.
	Done Dispose = iota
	// Keep indicates the entry should be left queued for a later pass
	// (used by runners that re-enqueue for delayed retry).
	Keep
)

// Router resolves a queue name to the Switchboard backing it, used to
// reinject entries a handler decided to route elsewhere.
type Router interface {
	// Switchboard returns the named queue, or an error if unknown.
	Switchboard(name string) (*queue.Switchboard, error)
}

// Runner consumes a single queue directory, invoking its handler chain
// for every entry. It is not safe for concurrent use by more than one
// goroutine; the engine runs one Runner per OS process.
type Runner struct {
	name     string
	sb       *queue.Switchboard
	handlers []Handler
	router   Router
	log      *logging.Logger

	slice     int
	numSlices int

	idleSleep time.Duration

	// doperiodic, if set, runs once per outer loop iteration regardless
	// of whether the scan found any entries. Concrete runners use this
	// for time-based side effects (digest dispatch, retry draining).
	doperiodic func(ctx context.Context)

	// disposeOverride, if set, replaces the handler-chain dispatch for
	// runners whose per-entry disposal is not a linear chain (e.g.
	// Outgoing, which decides KEEP vs DONE from an SMTP attempt rather
	// than a handler Decision).
	disposeOverride func(ctx context.Context, list string, message []byte, meta queue.Metadata) (Dispose, error)

	stopping atomic.Bool
	once     atomic.Bool
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithSlice partitions the queue into numSlices workers, this Runner only
// handling entries whose filebase hashes to slice.
func WithSlice(slice, numSlices int) Option {
	return func(r *Runner) {
		r.slice = slice
		r.numSlices = numSlices
	}
}

// WithIdleSleep overrides the pause between empty scans (default 1s).
func WithIdleSleep(d time.Duration) Option {
	return func(r *Runner) { r.idleSleep = d }
}

// WithPeriodic installs a function invoked once per outer loop iteration.
func WithPeriodic(fn func(ctx context.Context)) Option {
	return func(r *Runner) { r.doperiodic = fn }
}

// WithDisposeOverride replaces the handler-chain dispatch with a custom
// function returning Done or Keep directly.
func WithDisposeOverride(fn func(ctx context.Context, list string, message []byte, meta queue.Metadata) (Dispose, error)) Option {
	return func(r *Runner) { r.disposeOverride = fn }
}

// WithOnce makes Run process a single pass (one scan of files(), fully
// drained) and then stop, mirroring qrunner's --once flag.
func WithOnce() Option {
	return func(r *Runner) { r.once.Store(true) }
}

// New builds a Runner named name, consuming sb, dispatching through
// handlers, and able to reinject entries via router.
func New(name string, sb *queue.Switchboard, handlers []Handler, router Router, log *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		name:      name,
		sb:        sb,
		handlers:  handlers,
		router:    router,
		log:       log.Runner(name),
		numSlices: 1,
		idleSleep: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stop requests cooperative shutdown: the entry currently being processed
// completes, then the run loop exits.
func (r *Runner) Stop() {
	r.stopping.Store(true)
}

// Run drives the runner's main loop until Stop is called or, with
// WithOnce, after a single drained pass.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.sb.RecoverBackupFiles(); err != nil {
		r.log.WarnContext(ctx, "recover backup files failed", "error", err.Error())
	} else if n > 0 {
		r.log.InfoContext(ctx, "recovered orphaned backup files", "count", n)
	}
	r.sb.CleanStaleTempFiles()

	for {
		if r.stopping.Load() {
			r.log.InfoContext(ctx, "runner stopping")
			return nil
		}

		bases, err := r.sb.Files(r.slice, r.numSlices)
		if err != nil {
			return fmt.Errorf("runner %s: scan: %w", r.name, err)
		}

		if len(bases) == 0 {
			if r.doperiodic != nil {
				r.doperiodic(ctx)
			}
			if r.once.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.idleSleep):
			}
			continue
		}

		for _, filebase := range bases {
			if r.stopping.Load() {
				return nil
			}
			r.processOne(ctx, filebase)
		}

		if r.doperiodic != nil {
			r.doperiodic(ctx)
		}
		if r.once.Load() {
			return nil
		}
	}
}

func (r *Runner) processOne(ctx context.Context, filebase string) {
	entryCtx := logging.WithFilebase(logging.WithQueue(ctx, r.sb.Name()), filebase)
	start := time.Now()

	message, meta, err := r.sb.Dequeue(filebase)
	if err != nil {
		r.log.ErrorContext(entryCtx, "dequeue failed", err)
		return
	}
	if message == nil && meta == nil {
		r.shunt(entryCtx, filebase, nil, queue.Metadata{}, "unparseable queue entry")
		return
	}

	list, _ := meta["listname"].(string)
	entryCtx = logging.WithList(entryCtx, list)

	dispose, err := r.disposeOne(entryCtx, list, message, meta)
	duration := time.Since(start).Seconds()
	metrics.RunnerProcessingDuration.WithLabelValues(r.name).Observe(duration)

	switch {
	case err != nil:
		meta["shunt_traceback"] = err.Error()
		r.shunt(entryCtx, filebase, message, meta, err.Error())
	case dispose == Keep:
		if err := r.sb.Requeue(filebase); err != nil {
			r.log.ErrorContext(entryCtx, "re-enqueue for retry failed", err)
		}
		metrics.RunnerMessagesProcessed.WithLabelValues(r.name, "KEEP").Inc()
	default:
		if err := r.sb.Finish(filebase, false); err != nil {
			r.log.ErrorContext(entryCtx, "finish failed", err)
		}
		metrics.RunnerMessagesProcessed.WithLabelValues(r.name, "DONE").Inc()
	}
}

// disposeOne runs the handler chain for one entry. It returns Done on
// normal completion (including Halt/Discard/Requeue), Keep when the
// caller should leave the entry queued, and a non-nil error for any
// handler failure, which the caller turns into a shunt.
func (r *Runner) disposeOne(ctx context.Context, list string, message []byte, meta queue.Metadata) (dispose Dispose, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	if r.disposeOverride != nil {
		return r.disposeOverride(ctx, list, message, meta)
	}

	for _, h := range r.handlers {
		decision, target, herr := h.Handle(ctx, list, message, meta)
		if herr != nil {
			return Done, fmt.Errorf("handler %s: %w", h.Name(), herr)
		}

		switch decision {
		case Continue:
			continue
		case Halt:
			return Done, nil
		case Discard:
			return Done, nil
		case Requeue:
			if r.router == nil {
				return Done, fmt.Errorf("handler %s requested requeue to %q but runner has no router", h.Name(), target)
			}
			dest, derr := r.router.Switchboard(target)
			if derr != nil {
				return Done, fmt.Errorf("handler %s: requeue target %q: %w", h.Name(), target, derr)
			}
			if _, derr := dest.Enqueue(message, meta); derr != nil {
				return Done, fmt.Errorf("handler %s: requeue enqueue: %w", h.Name(), derr)
			}
			return Done, nil
		default:
			return Done, fmt.Errorf("handler %s: unknown decision %d", h.Name(), decision)
		}
	}

	return Done, nil
}

func (r *Runner) shunt(ctx context.Context, filebase string, message []byte, meta queue.Metadata, reason string) {
	if r.router == nil {
		r.log.ErrorContext(ctx, "cannot shunt, no router configured", fmt.Errorf("reason: %s", reason))
		return
	}
	shuntQueue, err := r.router.Switchboard("shunt")
	if err != nil {
		r.log.ErrorContext(ctx, "shunt target unavailable", err)
		return
	}
	if _, err := r.sb.Shunt(shuntQueue, filebase, message, meta, reason); err != nil {
		r.log.ErrorContext(ctx, "shunt failed", err)
		return
	}
	metrics.RecordShunt(r.sb.Name(), r.name)
	r.log.WarnContext(ctx, "shunted entry", "reason", reason)
}
