package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"VoiceChat/internal/config"
	"VoiceChat/internal/events/eventstest"
	"VoiceChat/internal/playback"
	"VoiceChat/internal/responder"
	"VoiceChat/internal/session"
	"VoiceChat/internal/transcript"
)

type fakeRequester struct {
	mu          sync.Mutex
	questions   []string
	inflight    int
	maxInflight int
	gate        chan struct{}
	answer      func(q string, onRetry responder.RetryNotify) responder.Reply
}

func (f *fakeRequester) Request(ctx context.Context, q string, onRetry responder.RetryNotify) responder.Reply {
	f.mu.Lock()
	f.questions = append(f.questions, q)
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	if f.answer != nil {
		return f.answer(q, onRetry)
	}
	return responder.Reply{Text: "answer: " + q, Attempts: 1}
}

func (f *fakeRequester) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *fakeRequester) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSpeaker) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeSpeaker) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func final(index int, text string) transcript.RecognitionEvent {
	return transcript.RecognitionEvent{ResultIndex: index, Segments: []transcript.Segment{{Text: text, IsFinal: true}}}
}

func run(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
}

func messages(t *testing.T, e *Engine, id string) []session.Message {
	t.Helper()
	sess, err := e.Store().Get(id)
	require.NoError(t, err)
	return sess.Messages
}

func TestSpokenQuestionEndToEnd(t *testing.T) {
	rec := &eventstest.Recorder{}
	req := &fakeRequester{answer: func(string, responder.RetryNotify) responder.Reply {
		return responder.Reply{Text: "Paris is the capital of France.", Attempts: 1}
	}}
	sp := &fakeSpeaker{}
	src := &transcript.Replay{Events: []transcript.RecognitionEvent{
		{ResultIndex: 0, Segments: []transcript.Segment{{Text: "What is the", IsFinal: false}}},
		final(0, "What is the capital of France? "),
	}}
	e := New(session.NewStore(), req, quietLogger(),
		WithSource(src),
		WithNotifier(rec),
		WithSpeaker(playback.NewNotifier(sp, rec, quietLogger())),
	)
	run(t, e)
	id := e.Store().Active().ID

	require.NoError(t, e.StartCapture(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("speech.ended") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"What is the capital of France?"}, req.asked())
	msgs := messages(t, e, id)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsUser)
	require.False(t, msgs[1].IsUser)
	require.Equal(t, "Paris is the capital of France.", msgs[1].Text)
	require.Equal(t, []string{"Paris is the capital of France."}, sp.said())

	ids := rec.IDs()
	require.Less(t, indexOf(ids, "transcript.committed"), indexOf(ids, "request.started"))
	require.Less(t, indexOf(ids, "request.resolved"), indexOf(ids, "speech.started"))
	require.Less(t, indexOf(ids, "speech.started"), indexOf(ids, "speech.ended"))
	require.Equal(t, 2, rec.Count("transcript.live"))
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestDuplicateResultCommitsOnce(t *testing.T) {
	req := &fakeRequester{}
	src := &transcript.Replay{Events: []transcript.RecognitionEvent{
		final(0, "hello "),
		final(0, "hello "),
		final(1, "again"),
	}}
	rec := &eventstest.Recorder{}
	e := New(session.NewStore(), req, quietLogger(), WithSource(src), WithNotifier(rec))
	run(t, e)

	require.NoError(t, e.StartCapture(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("request.resolved") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"hello", "again"}, req.asked())
	require.Equal(t, 2, rec.Count("transcript.committed"))
}

func TestCommandsNeverReachTheNetwork(t *testing.T) {
	req := &fakeRequester{}
	src := transcript.NewChannel(4)
	e := New(session.NewStore(), req, quietLogger(), WithSource(src))
	run(t, e)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "Clear"))
	require.Equal(t, 2, e.Store().Len())
	require.Equal(t, 1, e.Store().ActiveIndex())

	require.NoError(t, e.StartCapture(ctx))
	on, err := e.Capturing(ctx)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, src.Push(ctx, final(0, " MUTE ")))
	require.Eventually(t, func() bool {
		on, err := e.Capturing(ctx)
		return err == nil && !on
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Submit(ctx, "clear the table"))
	require.Eventually(t, func() bool { return len(req.asked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"clear the table"}, req.asked())
}

func TestReplyLandsInOriginatingSession(t *testing.T) {
	req := &fakeRequester{gate: make(chan struct{})}
	rec := &eventstest.Recorder{}
	e := New(session.NewStore(), req, quietLogger(), WithNotifier(rec))
	run(t, e)
	ctx := context.Background()
	first := e.Store().Active().ID

	require.NoError(t, e.Submit(ctx, "question one"))
	state, err := e.Store().State(first)
	require.NoError(t, err)
	require.Equal(t, session.Pending, state)

	second, err := e.NewSession(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, second.Index)

	close(req.gate)
	require.Eventually(t, func() bool { return rec.Count("request.resolved") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Len(t, messages(t, e, first), 2)
	require.Empty(t, messages(t, e, second.ID))
	require.Equal(t, second.ID, e.Store().Active().ID)
	state, err = e.Store().State(first)
	require.NoError(t, err)
	require.Equal(t, session.Succeeded, state)
}

func TestSendsQueueWhilePending(t *testing.T) {
	gate := make(chan struct{})
	req := &fakeRequester{gate: gate}
	rec := &eventstest.Recorder{}
	e := New(session.NewStore(), req, quietLogger(), WithNotifier(rec))
	run(t, e)
	ctx := context.Background()
	id := e.Store().Active().ID

	require.NoError(t, e.Submit(ctx, "q1"))
	require.NoError(t, e.Submit(ctx, "q2"))
	require.Eventually(t, func() bool { return len(req.asked()) == 1 }, 2*time.Second, 5*time.Millisecond)

	gate <- struct{}{}
	require.Eventually(t, func() bool { return len(req.asked()) == 2 }, 2*time.Second, 5*time.Millisecond)
	gate <- struct{}{}
	require.Eventually(t, func() bool { return rec.Count("request.resolved") == 2 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"q1", "q2"}, req.asked())
	require.Equal(t, 1, req.peak())
	var texts []string
	for _, m := range messages(t, e, id) {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"q1", "q2", "answer: q1", "answer: q2"}, texts)
}

func TestFallbackMarksSessionFailed(t *testing.T) {
	rec := &eventstest.Recorder{}
	req := &fakeRequester{answer: func(_ string, onRetry responder.RetryNotify) responder.Reply {
		onRetry(1, time.Second)
		return responder.Reply{Text: config.FallbackErrorText, Fallback: true, Attempts: 4}
	}}
	e := New(session.NewStore(), req, quietLogger(), WithNotifier(rec))
	run(t, e)
	id := e.Store().Active().ID

	require.NoError(t, e.Submit(context.Background(), "anyone there?"))
	require.Eventually(t, func() bool { return rec.Count("request.resolved") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, rec.Count("request.retrying"))
	msgs := messages(t, e, id)
	require.Equal(t, config.FallbackErrorText, msgs[len(msgs)-1].Text)
	state, err := e.Store().State(id)
	require.NoError(t, err)
	require.Equal(t, session.Failed, state)
}

func TestCaptureUnsupportedReportedOnce(t *testing.T) {
	rec := &eventstest.Recorder{}
	e := New(session.NewStore(), &fakeRequester{}, quietLogger(), WithNotifier(rec))
	run(t, e)
	ctx := context.Background()

	require.ErrorIs(t, e.StartCapture(ctx), transcript.ErrCaptureUnsupported)
	require.ErrorIs(t, e.StartCapture(ctx), transcript.ErrCaptureUnsupported)
	require.Equal(t, 1, rec.Count("capture.unsupported"))
}

func TestSelectOutOfRange(t *testing.T) {
	rec := &eventstest.Recorder{}
	e := New(session.NewStore(), &fakeRequester{}, quietLogger(), WithNotifier(rec))
	run(t, e)
	ctx := context.Background()

	require.ErrorIs(t, e.Select(ctx, 3), session.ErrInvalidSessionIndex)
	require.ErrorIs(t, e.Select(ctx, -1), session.ErrInvalidSessionIndex)
	require.Equal(t, 0, e.Store().ActiveIndex())
	require.NoError(t, e.Select(ctx, 0))
	require.Equal(t, 1, rec.Count("session.selected"))
}

func TestCallsAfterStopFail(t *testing.T) {
	e := New(session.NewStore(), &fakeRequester{}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	cancel()
	require.NoError(t, <-errc)

	require.ErrorIs(t, e.Submit(context.Background(), "late"), ErrStopped)
}
