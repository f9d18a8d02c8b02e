// Package session runs one generation attempt end to end: it opens the
// producer stream, decodes events, tracks per-section progress, accumulates
// the artifact, and persists it on success.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"draftgate/internal/domain"
	"draftgate/internal/notify"
	"draftgate/internal/producer"
	"draftgate/internal/stream"
)

// Session states.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	// ErrAlreadyStreaming rejects a second start while one is in flight.
	ErrAlreadyStreaming = errors.New("generation already in progress for this key")
	// ErrNotRetryable rejects a save retry when there is nothing to save.
	ErrNotRetryable = errors.New("no completed generation awaiting save")
)

// ProducerError is an explicit error event from the producer. Its message
// is surfaced verbatim.
type ProducerError struct {
	Message string
}

func (e *ProducerError) Error() string { return "producer error: " + e.Message }

// PersistError marks a generation that finished but could not be saved.
// The content is retained in memory; the caller retries just the save via
// RetrySave without re-running generation.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return "persist artifact: " + e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

// Saver is the persistence contract the session writes through on the
// terminal complete event. Satisfied by engine.Engine.
type Saver interface {
	SaveArtifact(ctx context.Context, key domain.OwnerKey, content, actorID string) (domain.Artifact, error)
}

// Options configure one session.
type Options struct {
	Sections    []string
	IdleTimeout time.Duration
	ActorID     string
	Hub         *notify.Hub
	Logger      *slog.Logger
}

// Status is a point-in-time snapshot exposed to observers.
type Status struct {
	Key        domain.OwnerKey          `json:"key"`
	State      State                    `json:"state"`
	Progress   int                      `json:"progress"`
	Components []domain.ComponentStatus `json:"components"`
	Message    string                   `json:"message,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Artifact   *domain.Artifact         `json:"artifact,omitempty"`
}

// Session is the state machine for one generation attempt:
// Idle -> Streaming -> (Complete | Failed | Cancelled).
type Session struct {
	key    domain.OwnerKey
	prod   producer.Producer
	saver  Saver
	hub    *notify.Hub
	logger *slog.Logger
	opts   Options

	mu           sync.Mutex
	state        State
	tracker      *Tracker
	progress     int
	accum        strings.Builder
	finalContent string
	savePending  bool
	message      string
	err          error
	artifact     *domain.Artifact
	cancel       context.CancelFunc
	cancelled    bool
	timedOut     bool
	done         chan struct{}
}

func New(key domain.OwnerKey, prod producer.Producer, saver Saver, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		key:     key,
		prod:    prod,
		saver:   saver,
		hub:     opts.Hub,
		logger:  opts.Logger.With("project", key.ProjectID, "route", key.Route),
		opts:    opts,
		state:   StateIdle,
		tracker: NewTracker(opts.Sections),
		done:    make(chan struct{}),
	}
}

// Start opens the producer stream and begins consuming it in the
// background. Starting while already Streaming is rejected; callers
// needing concurrent runs allocate separate sessions per key.
func (s *Session) Start(ctx context.Context, req producer.Request) error {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.mu.Unlock()
		return ErrAlreadyStreaming
	}
	s.state = StateStreaming
	s.tracker = NewTracker(s.opts.Sections)
	s.progress = 0
	s.accum.Reset()
	s.finalContent = ""
	s.savePending = false
	s.message = ""
	s.err = nil
	s.artifact = nil
	s.cancelled = false
	s.timedOut = false
	s.done = make(chan struct{})

	// The stream must outlive the caller's request context; only Cancel
	// or the idle timer abort it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	body, err := s.prod.Stream(runCtx, req)
	if err != nil {
		cancel()
		transportErr := fmt.Errorf("transport: %w", err)
		s.mu.Lock()
		s.state = StateFailed
		s.err = transportErr
		close(s.done)
		s.mu.Unlock()
		s.publish()
		return transportErr
	}
	go s.run(runCtx, body)
	return nil
}

func (s *Session) run(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	var idle *time.Timer
	if s.opts.IdleTimeout > 0 {
		idle = time.AfterFunc(s.opts.IdleTimeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			s.cancel()
		})
		defer idle.Stop()
	}

	parser := &stream.Parser{}
	buf := make([]byte, 4096)
	terminal := false
	for !terminal {
		n, err := body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(s.opts.IdleTimeout)
			}
			for _, ev := range parser.Feed(buf[:n]) {
				if s.handle(ev) {
					terminal = true
					break
				}
			}
		}
		if err != nil {
			if err == io.EOF && !terminal {
				for _, ev := range parser.Close() {
					if s.handle(ev) {
						terminal = true
						break
					}
				}
			}
			break
		}
	}
	s.finish(ctx, terminal)
}

// handle applies one event. Returns true when the event is terminal; any
// event after the first terminal one is ignored by the caller stopping
// the loop.
func (s *Session) handle(ev domain.GenerationEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case domain.EventStart, domain.EventConnected:
		s.message = ev.Message
	case domain.EventComponentStart:
		s.tracker.ComponentStart(ev.Component)
		if p := ev.Progress; p > s.progress {
			if p > 100 {
				p = 100
			}
			s.progress = p
		}
		s.message = ev.Message
		s.publishLocked()
	case domain.EventCodeChunk:
		s.accum.WriteString(ev.Content)
	case domain.EventComplete:
		// The complete payload is authoritative; accumulated chunks are
		// the fallback for producers that only stream.
		if ev.Code != "" {
			s.finalContent = ev.Code
		} else {
			s.finalContent = s.accum.String()
		}
		s.savePending = true
		s.progress = 100
		s.tracker.CompleteAll()
		s.message = ev.Message
		return true
	case domain.EventError:
		s.err = &ProducerError{Message: ev.Message}
		return true
	}
	return false
}

func (s *Session) finish(ctx context.Context, terminal bool) {
	s.mu.Lock()
	if s.cancelled {
		s.state = StateCancelled
		s.savePending = false
		close(s.done)
		s.mu.Unlock()
		s.logger.Info("session cancelled")
		s.publish()
		return
	}
	if !terminal {
		switch {
		case s.timedOut:
			s.err = fmt.Errorf("transport: no event within %s", s.opts.IdleTimeout)
		case s.err == nil:
			s.err = errors.New("transport: stream ended without a terminal event")
		}
		s.state = StateFailed
		failErr := s.err
		close(s.done)
		s.mu.Unlock()
		s.logger.Warn("session failed", "error", failErr)
		s.publish()
		return
	}
	if s.err != nil { // producer error event
		s.state = StateFailed
		failErr := s.err
		close(s.done)
		s.mu.Unlock()
		s.logger.Warn("session failed", "error", failErr)
		s.publish()
		return
	}
	content := s.finalContent
	s.mu.Unlock()

	artifact, err := s.saver.SaveArtifact(ctx, s.key, content, s.opts.ActorID)

	s.mu.Lock()
	if err != nil {
		// Generation succeeded; only the save failed. Content stays in
		// memory so RetrySave can try again without regenerating.
		s.state = StateFailed
		s.err = &PersistError{Err: err}
		s.logger.Error("artifact save failed", "error", err)
	} else {
		s.state = StateComplete
		s.savePending = false
		s.artifact = &artifact
		s.logger.Info("session complete", "version", artifact.Version)
	}
	close(s.done)
	s.mu.Unlock()
	s.publish()
}

// RetrySave retries persistence after a PersistError without re-running
// the generation.
func (s *Session) RetrySave(ctx context.Context) (domain.Artifact, error) {
	s.mu.Lock()
	if s.state != StateFailed || !s.savePending {
		s.mu.Unlock()
		return domain.Artifact{}, ErrNotRetryable
	}
	content := s.finalContent
	s.mu.Unlock()

	artifact, err := s.saver.SaveArtifact(ctx, s.key, content, s.opts.ActorID)
	if err != nil {
		return domain.Artifact{}, &PersistError{Err: err}
	}
	s.mu.Lock()
	s.state = StateComplete
	s.savePending = false
	s.artifact = &artifact
	s.err = nil
	s.mu.Unlock()
	s.publish()
	return artifact, nil
}

// Cancel aborts an in-flight generation. The underlying stream is torn
// down via context cancellation so the transport connection is released;
// nothing is persisted.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Key:        s.key,
		State:      s.state,
		Progress:   s.progress,
		Components: s.tracker.Snapshot(),
		Message:    s.message,
		Artifact:   s.artifact,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Session) publish() {
	if s.hub == nil {
		return
	}
	st := s.Status()
	s.hub.Publish(notify.Notification{
		Kind:      notify.KindSessionUpdate,
		ProjectID: s.key.ProjectID,
		Route:     s.key.Route,
		Payload: map[string]any{
			"state":    string(st.State),
			"progress": st.Progress,
		},
	})
}

// publishLocked publishes under s.mu; it must not call Status.
func (s *Session) publishLocked() {
	if s.hub == nil {
		return
	}
	s.hub.Publish(notify.Notification{
		Kind:      notify.KindSessionUpdate,
		ProjectID: s.key.ProjectID,
		Route:     s.key.Route,
		Payload: map[string]any{
			"state":    string(s.state),
			"progress": s.progress,
		},
	})
}
