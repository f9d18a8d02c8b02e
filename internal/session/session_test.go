package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"draftgate/internal/domain"
	"draftgate/internal/producer"
)

var testKey = domain.OwnerKey{ProjectID: "proj-1", Route: "/pricing"}

type fakeProducer struct {
	openErr error
	body    func(ctx context.Context) io.ReadCloser
}

func (f *fakeProducer) Stream(ctx context.Context, req producer.Request) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.body(ctx), nil
}

// scripted returns a producer that serves the given wire lines then EOF.
func scripted(lines ...string) *fakeProducer {
	payload := strings.Join(lines, "")
	return &fakeProducer{body: func(ctx context.Context) io.ReadCloser {
		return io.NopCloser(strings.NewReader(payload))
	}}
}

// blockedBody serves an optional first chunk, then blocks until the stream
// context is cancelled, like a stalled network connection.
type blockedBody struct {
	ctx    context.Context
	first  []byte
	served bool
}

func (b *blockedBody) Read(p []byte) (int, error) {
	if !b.served {
		b.served = true
		if len(b.first) > 0 {
			return copy(p, b.first), nil
		}
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockedBody) Close() error { return nil }

func stalling(first string) *fakeProducer {
	return &fakeProducer{body: func(ctx context.Context) io.ReadCloser {
		return &blockedBody{ctx: ctx, first: []byte(first)}
	}}
}

type fakeSaver struct {
	mu      sync.Mutex
	err     error
	saved   []string
	version int
}

func (f *fakeSaver) SaveArtifact(ctx context.Context, key domain.OwnerKey, content, actorID string) (domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Artifact{}, f.err
	}
	f.version++
	f.saved = append(f.saved, content)
	return domain.Artifact{
		ID:        "art-1",
		ProjectID: key.ProjectID,
		Route:     key.Route,
		Content:   content,
		Status:    domain.StatusPendingReview,
		Version:   f.version,
	}, nil
}

func (f *fakeSaver) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSaver) savedContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestCompletePrefersFinalCode(t *testing.T) {
	prod := scripted(
		"data: {\"type\":\"start\",\"message\":\"working\"}\n",
		"data: {\"type\":\"code_chunk\",\"content\":\"partial \"}\n",
		"data: {\"type\":\"code_chunk\",\"content\":\"draft\"}\n",
		"data: {\"type\":\"complete\",\"code\":\"<html>final</html>\"}\n",
	)
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{Route: testKey.Route}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateComplete {
		t.Fatalf("state = %q, want complete", got)
	}
	saved := saver.savedContents()
	if len(saved) != 1 || saved[0] != "<html>final</html>" {
		t.Fatalf("saved = %q, want final payload over accumulated chunks", saved)
	}
	st := s.Status()
	if st.Artifact == nil || st.Artifact.Version != 1 {
		t.Fatalf("artifact = %+v", st.Artifact)
	}
	if st.Progress != 100 {
		t.Fatalf("progress = %d", st.Progress)
	}
}

func TestCompleteFallsBackToChunks(t *testing.T) {
	prod := scripted(
		"data: {\"type\":\"code_chunk\",\"content\":\"<html>\"}\n",
		"data: {\"type\":\"code_chunk\",\"content\":\"</html>\"}\n",
		"data: {\"type\":\"complete\"}\n",
	)
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	saved := saver.savedContents()
	if len(saved) != 1 || saved[0] != "<html></html>" {
		t.Fatalf("saved = %q", saved)
	}
}

func TestComponentProgressDuringStream(t *testing.T) {
	prod := scripted(
		"data: {\"type\":\"component_start\",\"component\":\"hero\",\"progress\":30}\n",
		"data: {\"type\":\"component_start\",\"component\":\"footer\",\"progress\":20}\n",
		"data: {\"type\":\"complete\",\"code\":\"x\"}\n",
	)
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{Sections: []string{"hero", "footer"}, ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	// Progress 20 after 30 must not have regressed before completion
	// forced it to 100.
	st := s.Status()
	if st.Progress != 100 {
		t.Fatalf("progress = %d", st.Progress)
	}
	for _, c := range st.Components {
		if c.Status != domain.ComponentComplete {
			t.Fatalf("component %s = %q after complete", c.Name, c.Status)
		}
	}
}

func TestProducerErrorEvent(t *testing.T) {
	prod := scripted(
		"data: {\"type\":\"code_chunk\",\"content\":\"half\"}\n",
		"data: {\"type\":\"error\",\"message\":\"model overloaded\"}\n",
	)
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
	if len(saver.savedContents()) != 0 {
		t.Fatal("partial content must not be persisted on producer error")
	}
	if st := s.Status(); !strings.Contains(st.Error, "model overloaded") {
		t.Fatalf("error = %q, want producer message surfaced verbatim", st.Error)
	}
}

func TestStreamEndsWithoutTerminalEvent(t *testing.T) {
	prod := scripted("data: {\"type\":\"code_chunk\",\"content\":\"half\"}\n")
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
	if len(saver.savedContents()) != 0 {
		t.Fatal("nothing should be saved without a complete event")
	}
}

func TestUnterminatedFinalLineStillCompletes(t *testing.T) {
	// Producer omits the trailing newline on its last record.
	prod := scripted("data: {\"type\":\"complete\",\"code\":\"done\"}")
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateComplete {
		t.Fatalf("state = %q, want complete", got)
	}
}

func TestTransportOpenFailure(t *testing.T) {
	prod := &fakeProducer{openErr: errors.New("connection refused")}
	s := New(testKey, prod, &fakeSaver{}, Options{ActorID: "tester"})
	err := s.Start(context.Background(), producer.Request{})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
}

func TestCancelDiscardsWork(t *testing.T) {
	prod := stalling("data: {\"type\":\"code_chunk\",\"content\":\"partial\"}\n")
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Cancel()
	waitDone(t, s)

	if got := s.State(); got != StateCancelled {
		t.Fatalf("state = %q, want cancelled", got)
	}
	if len(saver.savedContents()) != 0 {
		t.Fatal("cancel must not persist partial content")
	}
}

func TestCancelAfterFinishIsNoop(t *testing.T) {
	prod := scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n")
	s := New(testKey, prod, &fakeSaver{}, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)
	s.Cancel()
	if got := s.State(); got != StateComplete {
		t.Fatalf("state = %q after late cancel", got)
	}
}

func TestIdleTimeoutFailsSession(t *testing.T) {
	prod := stalling("")
	saver := &fakeSaver{}
	s := New(testKey, prod, saver, Options{IdleTimeout: 50 * time.Millisecond, ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
	if st := s.Status(); !strings.Contains(st.Error, "no event within") {
		t.Fatalf("error = %q", st.Error)
	}
}

func TestStartWhileStreamingRejected(t *testing.T) {
	prod := stalling("")
	s := New(testKey, prod, &fakeSaver{}, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), producer.Request{}); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second start err = %v, want ErrAlreadyStreaming", err)
	}
	s.Cancel()
	waitDone(t, s)
}

func TestPersistFailureThenRetrySave(t *testing.T) {
	prod := scripted("data: {\"type\":\"complete\",\"code\":\"<html/>\"}\n")
	saver := &fakeSaver{err: errors.New("disk full")}
	s := New(testKey, prod, saver, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)

	if got := s.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed on persist error", got)
	}
	var pe *PersistError
	st := s.Status()
	if !strings.Contains(st.Error, "persist artifact") {
		t.Fatalf("error = %q, want persist failure", st.Error)
	}

	// Save keeps failing: the content is retained and retried, not regenerated.
	if _, err := s.RetrySave(context.Background()); !errors.As(err, &pe) {
		t.Fatalf("retry with failing saver err = %v", err)
	}

	saver.setErr(nil)
	a, err := s.RetrySave(context.Background())
	if err != nil {
		t.Fatalf("retry save: %v", err)
	}
	if a.Content != "<html/>" {
		t.Fatalf("retried content = %q", a.Content)
	}
	if got := s.State(); got != StateComplete {
		t.Fatalf("state = %q after retry", got)
	}

	// A second retry has nothing pending.
	if _, err := s.RetrySave(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("second retry err = %v, want ErrNotRetryable", err)
	}
}

func TestRetrySaveWithoutCompletion(t *testing.T) {
	prod := scripted("data: {\"type\":\"error\",\"message\":\"boom\"}\n")
	s := New(testKey, prod, &fakeSaver{}, Options{ActorID: "tester"})
	if err := s.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, s)
	if _, err := s.RetrySave(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry err = %v, want ErrNotRetryable", err)
	}
}

func TestRegistryPerKeyIsolation(t *testing.T) {
	reg := NewRegistry()
	keyA := domain.OwnerKey{ProjectID: "proj-1", Route: "/a"}
	keyB := domain.OwnerKey{ProjectID: "proj-1", Route: "/b"}

	sa, err := reg.Acquire(keyA, func() *Session {
		return New(keyA, stalling(""), &fakeSaver{}, Options{})
	})
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := sa.Start(context.Background(), producer.Request{}); err != nil {
		t.Fatalf("start a: %v", err)
	}

	// Same key while streaming is rejected; a different key is not.
	if _, err := reg.Acquire(keyA, func() *Session { return nil }); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("same-key acquire err = %v", err)
	}
	if _, err := reg.Acquire(keyB, func() *Session {
		return New(keyB, scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n"), &fakeSaver{}, Options{})
	}); err != nil {
		t.Fatalf("other-key acquire err = %v", err)
	}

	sa.Cancel()
	waitDone(t, sa)

	// Once terminal, the key can be acquired again.
	if _, err := reg.Acquire(keyA, func() *Session {
		return New(keyA, stalling(""), &fakeSaver{}, Options{})
	}); err != nil {
		t.Fatalf("re-acquire after cancel: %v", err)
	}
}

func TestRegistryCancelAll(t *testing.T) {
	reg := NewRegistry()
	var sessions []*Session
	for i := 0; i < 3; i++ {
		key := domain.OwnerKey{ProjectID: "proj-1", Route: fmt.Sprintf("/p%d", i)}
		s, err := reg.Acquire(key, func() *Session {
			return New(key, stalling(""), &fakeSaver{}, Options{})
		})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if err := s.Start(context.Background(), producer.Request{}); err != nil {
			t.Fatalf("start: %v", err)
		}
		sessions = append(sessions, s)
	}
	reg.CancelAll()
	for _, s := range sessions {
		waitDone(t, s)
		if got := s.State(); got != StateCancelled {
			t.Fatalf("state = %q, want cancelled", got)
		}
	}
}
