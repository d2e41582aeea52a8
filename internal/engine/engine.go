// Package engine runs the conversational session loop. One goroutine owns the
// recognition filter, the send queues and every session mutation; requests and
// playback run beside it and report back through channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"VoiceChat/internal/events"
	"VoiceChat/internal/playback"
	"VoiceChat/internal/responder"
	"VoiceChat/internal/router"
	"VoiceChat/internal/session"
	"VoiceChat/internal/transcript"
)

// ErrStopped is returned by calls made after the loop has exited.
var ErrStopped = errors.New("engine stopped")

// Requester resolves a question to reply text.
type Requester interface {
	Request(ctx context.Context, question string, onRetry responder.RetryNotify) responder.Reply
}

// Speaker plays reply text.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type reply struct {
	sessionID string
	question  string
	reply     responder.Reply
}

type Engine struct {
	store     *session.Store
	requester Requester
	speaker   Speaker
	source    transcript.Source
	events    events.Notifier
	logger    *slog.Logger

	inbox   chan func(context.Context)
	replies chan reply
	speech  chan string
	done    chan struct{}

	// owned by the loop
	filter          *transcript.Filter
	recognition     <-chan transcript.RecognitionEvent
	live            string
	queues          map[string][]string
	captureReported bool
	group           *errgroup.Group
}

type Option func(*Engine)

// WithSource sets the speech capture source. Without one, capture is reported
// unsupported.
func WithSource(src transcript.Source) Option {
	return func(e *Engine) { e.source = src }
}

// WithSpeaker sets where replies are spoken.
func WithSpeaker(sp Speaker) Option {
	return func(e *Engine) { e.speaker = sp }
}

// WithNotifier sets the event receiver.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) { e.events = n }
}

func New(store *session.Store, requester Requester, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		requester: requester,
		events:    events.Discard{},
		logger:    logger,
		inbox:     make(chan func(context.Context), 64),
		replies:   make(chan reply),
		speech:    make(chan string, 32),
		done:      make(chan struct{}),
		filter:    transcript.NewFilter(),
		queues:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the session store for read-only views.
func (e *Engine) Store() *session.Store {
	return e.store
}

// Run processes events until ctx is done and waits for in-flight requests and
// playback to finish.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	active := e.store.Active()
	e.events.Notify(&events.SessionCreated{SessionID: active.ID, Index: e.store.ActiveIndex()})

	g.Go(func() error { return e.playbackLoop(gctx) })
	g.Go(func() error {
		defer close(e.done)
		return e.loop(gctx)
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if e.recognition != nil {
				e.stopCapture()
			}
			return nil
		case fn := <-e.inbox:
			fn(ctx)
		case ev, ok := <-e.recognition:
			if !ok {
				e.logger.Info("capture source ended")
				e.stopCapture()
				continue
			}
			e.onRecognition(ctx, ev)
		case r := <-e.replies:
			e.onReply(ctx, r)
		}
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	work := func(loopCtx context.Context) { errc <- fn(loopCtx) }
	select {
	case e.inbox <- work:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting.
func (e *Engine) post(ctx context.Context, fn func(context.Context)) {
	select {
	case e.inbox <- fn:
	case <-e.done:
	case <-ctx.Done():
	}
}

// Submit routes typed text exactly like a committed spoken utterance.
func (e *Engine) Submit(ctx context.Context, text string) error {
	return e.call(ctx, func(loopCtx context.Context) error {
		text := strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		e.dispatch(loopCtx, text)
		return nil
	})
}

// NewSession starts a new empty session and makes it active.
func (e *Engine) NewSession(ctx context.Context) (session.Summary, error) {
	var sum session.Summary
	err := e.call(ctx, func(context.Context) error {
		sum = e.newSession()
		return nil
	})
	return sum, err
}

// Select makes the session at index active.
func (e *Engine) Select(ctx context.Context, index int) error {
	return e.call(ctx, func(context.Context) error {
		if err := e.store.Select(index); err != nil {
			return err
		}
		e.events.Notify(&events.SessionSelected{SessionID: e.store.Active().ID, Index: index})
		return nil
	})
}

// StartCapture begins a capture run with a fresh commit cursor.
func (e *Engine) StartCapture(ctx context.Context) error {
	return e.call(ctx, e.startCapture)
}

// StopCapture halts recognition. Outstanding requests are not cancelled.
func (e *Engine) StopCapture(ctx context.Context) error {
	return e.call(ctx, func(context.Context) error { return e.stopCapture() })
}

// Capturing reports whether a capture run is active.
func (e *Engine) Capturing(ctx context.Context) (bool, error) {
	var on bool
	err := e.call(ctx, func(context.Context) error {
		on = e.recognition != nil
		return nil
	})
	return on, err
}

func (e *Engine) onRecognition(ctx context.Context, ev transcript.RecognitionEvent) {
	res, ok := e.filter.OnEvent(ev)
	if !ok {
		return
	}
	if res.Live != e.live {
		e.live = res.Live
		e.events.Notify(&events.LiveTextChanged{Text: res.Live})
	}
	if !res.Commit {
		return
	}
	e.logger.Debug("utterance committed", "result_index", ev.ResultIndex, "text", res.Committed)
	e.events.Notify(&events.UtteranceCommitted{ResultIndex: ev.ResultIndex, Text: res.Committed})
	e.dispatch(ctx, res.Committed)
}

func (e *Engine) dispatch(ctx context.Context, utterance string) {
	cmd := router.Route(utterance)
	e.logger.Debug("utterance routed", "command", cmd.Kind.String())
	switch cmd.Kind {
	case router.NewSession:
		e.newSession()
	case router.MuteCapture:
		if err := e.stopCapture(); err != nil {
			e.logger.Warn("failed to stop capture", "error", err)
		}
	default:
		e.send(ctx, cmd.Text)
	}
}

func (e *Engine) newSession() session.Summary {
	sess := e.store.NewSession()
	idx := e.store.ActiveIndex()
	e.logger.Info("created new session", "session_id", sess.ID, "index", idx)
	e.events.Notify(&events.SessionCreated{SessionID: sess.ID, Index: idx})
	return session.Summary{Index: idx, ID: sess.ID, StartTime: sess.StartTime, Active: true}
}

// send appends the user message to the active session and starts its request,
// or queues it behind the one already pending for that session.
func (e *Engine) send(ctx context.Context, text string) {
	msg := session.UserMessage(text)
	id := e.store.Append(msg)
	e.events.Notify(&events.MessageAppended{SessionID: id, Message: msg})

	if state, _ := e.store.State(id); state == session.Pending {
		e.queues[id] = append(e.queues[id], text)
		e.logger.Debug("request queued", "session_id", id, "queued", len(e.queues[id]))
		return
	}
	e.startRequest(ctx, id, text)
}

func (e *Engine) startRequest(ctx context.Context, sessionID, question string) {
	if err := e.store.SetState(sessionID, session.Pending); err != nil {
		e.logger.Error("failed to mark session pending", "session_id", sessionID, "error", err)
		return
	}
	e.events.Notify(&events.RequestStarted{SessionID: sessionID, Question: question})

	e.group.Go(func() error {
		onRetry := func(attempt int, delay time.Duration) {
			e.post(ctx, func(context.Context) {
				e.events.Notify(&events.RequestRetrying{SessionID: sessionID, Attempt: attempt, Delay: delay})
			})
		}
		r := e.requester.Request(ctx, question, onRetry)
		select {
		case e.replies <- reply{sessionID: sessionID, question: question, reply: r}:
		case <-ctx.Done():
		}
		return nil
	})
}

// onReply lands the answer in the session the question came from, whatever
// session is active now.
func (e *Engine) onReply(ctx context.Context, r reply) {
	msg := session.BotMessage(r.reply.Text)
	if err := e.store.AppendTo(r.sessionID, msg); err != nil {
		e.logger.Error("failed to append reply", "session_id", r.sessionID, "error", err)
		return
	}
	e.events.Notify(&events.MessageAppended{SessionID: r.sessionID, Message: msg})

	state := session.Succeeded
	if r.reply.Fallback {
		state = session.Failed
	}
	if err := e.store.SetState(r.sessionID, state); err != nil {
		e.logger.Error("failed to update send state", "session_id", r.sessionID, "error", err)
	}
	e.events.Notify(&events.RequestResolved{SessionID: r.sessionID, Fallback: r.reply.Fallback, Attempts: r.reply.Attempts})
	e.speak(r.reply.Text)

	if queued := e.queues[r.sessionID]; len(queued) > 0 {
		next := queued[0]
		if len(queued) == 1 {
			delete(e.queues, r.sessionID)
		} else {
			e.queues[r.sessionID] = queued[1:]
		}
		e.startRequest(ctx, r.sessionID, next)
	}
}

func (e *Engine) speak(text string) {
	if e.speaker == nil {
		return
	}
	select {
	case e.speech <- text:
	default:
		e.logger.Warn("playback queue full, dropping reply audio")
	}
}

// playbackLoop speaks replies one at a time so started/ended pairs never overlap.
func (e *Engine) playbackLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-e.speech:
			err := e.speaker.Speak(ctx, text)
			if err != nil && !errors.Is(err, playback.ErrUnsupportedCapability) {
				e.logger.Warn("playback failed", "error", err)
			}
		}
	}
}

func (e *Engine) startCapture(ctx context.Context) error {
	if e.recognition != nil {
		return nil
	}
	if e.source == nil {
		return e.captureUnsupported(transcript.ErrCaptureUnsupported)
	}
	ch, err := e.source.Start(ctx)
	if errors.Is(err, transcript.ErrCaptureUnsupported) {
		return e.captureUnsupported(err)
	}
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	e.filter.Start()
	e.recognition = ch
	e.live = ""
	e.logger.Info("capture started")
	e.events.Notify(&events.CaptureStarted{})
	return nil
}

// captureUnsupported reports the missing capability once.
func (e *Engine) captureUnsupported(err error) error {
	if !e.captureReported {
		e.captureReported = true
		e.logger.Warn("speech recognition not supported", "error", err)
		e.events.Notify(&events.CaptureUnsupported{Error: err.Error()})
	}
	return err
}

func (e *Engine) stopCapture() error {
	if e.recognition == nil {
		return nil
	}
	e.filter.Stop()
	e.recognition = nil
	var err error
	if e.source != nil {
		if err = e.source.Stop(); err != nil {
			err = fmt.Errorf("failed to stop capture: %w", err)
		}
	}
	e.logger.Info("capture stopped")
	e.events.Notify(&events.CaptureStopped{})
	return err
}
