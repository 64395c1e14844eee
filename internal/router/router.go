// Package router delivers messages to sessions. Each active session has
// one worker goroutine that runs its turns strictly one after another;
// different sessions run in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/almanac/internal/events"
)

// Errors returned by Route.
var (
	ErrClosed = errors.New("router closed")
	ErrBusy   = errors.New("session mailbox full")
)

// Defaults applied by NewRouter.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMailboxSize = 32
)

// Processor runs one turn. *agent.Loop implements it.
type Processor interface {
	Process(ctx context.Context, sessionID, userID, text string) (string, error)
}

// Config holds router configuration.
type Config struct {
	// IdleTimeout is how long a worker waits for its next message
	// before exiting.
	IdleTimeout time.Duration
	// MailboxSize bounds the messages queued for one session.
	MailboxSize int
	Events      *events.Bus
}

// Stats tracks routing statistics.
type Stats struct {
	TotalTurns     int64 `json:"total_turns"`
	FailedTurns    int64 `json:"failed_turns"`
	SkippedJobs    int64 `json:"skipped_jobs"`
	WorkersStarted int64 `json:"workers_started"`
	WorkersExpired int64 `json:"workers_expired"`
	Active         int   `json:"active"`
}

// Router owns the per-session workers.
type Router struct {
	logger *slog.Logger
	proc   Processor
	config Config

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	stats   Stats
	wg      sync.WaitGroup
}

type result struct {
	text string
	err  error
}

type job struct {
	ctx    context.Context
	userID string
	text   string
	reply  chan result
}

type worker struct {
	sessionID string
	mailbox   chan job
	quit      chan struct{}
}

// NewRouter creates a router that hands turns to proc.
func NewRouter(logger *slog.Logger, proc Processor, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultMailboxSize
	}
	return &Router{
		logger:  logger.With("component", "router"),
		proc:    proc,
		config:  config,
		workers: make(map[string]*worker),
	}
}

// Route queues text for sessionID and waits for the turn's answer. If
// ctx ends first Route returns its error at once; a job still queued at
// that point is skipped by the worker.
func (r *Router) Route(ctx context.Context, sessionID, userID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	j := job{ctx: ctx, userID: userID, text: text, reply: make(chan result, 1)}
	if err := r.enqueue(sessionID, j); err != nil {
		return "", err
	}

	select {
	case res := <-j.reply:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// enqueue hands j to the session's worker, starting one if needed. The
// send happens under r.mu, which is also held when a worker decides to
// retire, so a queued job is never stranded in a departing worker.
func (r *Router) enqueue(sessionID string, j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	w, ok := r.workers[sessionID]
	if !ok {
		w = &worker{
			sessionID: sessionID,
			mailbox:   make(chan job, r.config.MailboxSize),
			quit:      make(chan struct{}),
		}
		r.workers[sessionID] = w
		r.stats.WorkersStarted++
		r.wg.Add(1)
		go r.run(w)

		r.logger.Debug("session worker started", "session", sessionID, "active", len(r.workers))
		r.publish(events.KindWorkerStarted, sessionID, len(r.workers))
	}

	select {
	case w.mailbox <- j:
		return nil
	default:
		return fmt.Errorf("session %s: %w", sessionID, ErrBusy)
	}
}

func (r *Router) run(w *worker) {
	defer r.wg.Done()

	idle := time.NewTimer(r.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-w.mailbox:
			r.handle(w, j)
			idle.Reset(r.config.IdleTimeout)

		case <-idle.C:
			if r.retire(w, true) {
				return
			}
			idle.Reset(r.config.IdleTimeout)

		case <-w.quit:
			// Close stops new work from arriving; finish what is queued.
			for {
				select {
				case j := <-w.mailbox:
					r.handle(w, j)
					continue
				default:
				}
				break
			}
			r.retire(w, false)
			return
		}
	}
}

// retire removes w from the worker map if its mailbox is empty.
func (r *Router) retire(w *worker, expired bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(w.mailbox) > 0 {
		return false
	}
	if r.workers[w.sessionID] == w {
		delete(r.workers, w.sessionID)
	}
	if expired {
		r.stats.WorkersExpired++
		r.logger.Debug("session worker expired", "session", w.sessionID, "active", len(r.workers))
		r.publish(events.KindWorkerExpired, w.sessionID, len(r.workers))
	}
	return true
}

func (r *Router) handle(w *worker, j job) {
	if err := j.ctx.Err(); err != nil {
		r.mu.Lock()
		r.stats.SkippedJobs++
		r.mu.Unlock()
		r.logger.Debug("skipping abandoned message", "session", w.sessionID, "error", err)
		j.reply <- result{err: err}
		return
	}

	text, err := r.process(j.ctx, w.sessionID, j)

	r.mu.Lock()
	r.stats.TotalTurns++
	if err != nil {
		r.stats.FailedTurns++
	}
	r.mu.Unlock()

	j.reply <- result{text: text, err: err}
}

// process runs the turn, converting a panic into an error so the
// worker survives to serve the session's next message.
func (r *Router) process(ctx context.Context, sessionID string, j job) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("turn panicked", "session", sessionID, "panic", p)
			text, err = "", fmt.Errorf("turn panic: %v", p)
		}
	}()
	return r.proc.Process(ctx, sessionID, j.userID, j.text)
}

// Active returns the number of live session workers.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// GetStats returns routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Active = len(r.workers)
	return s
}

// Close stops accepting messages, lets every worker finish the messages
// already queued, and waits for them to exit.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, w := range r.workers {
		close(w.quit)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("router closed")
}

func (r *Router) publish(kind, sessionID string, active int) {
	r.config.Events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      kind,
		Data:      map[string]any{"session_id": sessionID, "active": active},
	})
}
