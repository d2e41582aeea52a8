package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"VoiceChat/internal/backend"
	"VoiceChat/internal/config"
	"VoiceChat/internal/engine"
	"VoiceChat/internal/events"
	"VoiceChat/internal/journal"
	"VoiceChat/internal/playback"
	"VoiceChat/internal/responder"
	"VoiceChat/internal/server"
	"VoiceChat/internal/session"
	"VoiceChat/internal/telemetry"
	"VoiceChat/internal/transcript"
)

// ChatBot represents the main application
type ChatBot struct {
	config  config.Config
	logger  *slog.Logger
	engine  *engine.Engine
	bus     *events.Bus
	journal *journal.Journal
	server  *server.Server

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // guards out

	closers []func()
}

// NewChatBot creates a new ChatBot instance reading commands from stdin.
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb, err := build(cfg, logger, tracer, meter, os.Stdin, os.Stdout)
	if err != nil {
		shutdown()
		closeLog()
		return nil, err
	}
	cb.closers = append(cb.closers, shutdown, func() { _ = closeLog() })
	return cb, nil
}

// build wires every component. Telemetry is optional so tests can pass nil.
func build(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, in io.Reader, out io.Writer) (*ChatBot, error) {
	cb := &ChatBot{config: cfg, logger: logger, in: in, out: out}

	bus, err := events.NewBus(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	cb.bus = bus
	cb.closers = append(cb.closers, func() {
		if err := bus.Close(); err != nil {
			logger.Error("failed to close event bus", "error", err)
		}
	})
	notifier := events.Multi{bus}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, cfg.Backend, logger)
		if err != nil {
			cb.close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		cb.journal = j
		cb.closers = append(cb.closers, func() {
			if err := j.Close(); err != nil {
				logger.Error("failed to close journal", "error", err)
			}
		})
		notifier = append(notifier, j)
	}

	gen, err := backend.New(cfg, &http.Client{Timeout: 60 * time.Second})
	if err != nil {
		cb.close()
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	client := responder.New(gen, cfg, logger, responder.WithTelemetry(tracer, meter))

	var speaker playback.Speaker
	if cs, err := playback.NewCommandSpeaker(cfg.SpeechCommand); err != nil {
		logger.Warn("speech output disabled", "error", err)
	} else {
		speaker = cs
	}

	opts := []engine.Option{
		engine.WithNotifier(notifier),
		engine.WithSpeaker(playback.NewNotifier(speaker, notifier, logger)),
	}
	var browserCapture *transcript.Channel
	switch {
	case cfg.CaptureURL != "":
		src, err := transcript.NewWebSocketSource(cfg.CaptureURL, logger)
		if err != nil {
			cb.close()
			return nil, fmt.Errorf("failed to initialize capture: %w", err)
		}
		opts = append(opts, engine.WithSource(src))
	case cfg.ListenAddr != "":
		browserCapture = transcript.NewChannel(64)
		opts = append(opts, engine.WithSource(browserCapture))
	}
	cb.engine = engine.New(session.NewStore(), client, logger, opts...)

	if cfg.ListenAddr != "" {
		var serverOpts []server.Option
		if cb.journal != nil {
			serverOpts = append(serverOpts, server.WithHistory(cb.journal))
		}
		cb.server = server.New(cfg.ListenAddr, cb.engine, browserCapture, bus, logger, serverOpts...)
	}

	logger.Info("chatbot initialized", "backend", gen.Name(), "event_bus", cfg.EventBus, "listen", cfg.ListenAddr)
	return cb, nil
}

func (cb *ChatBot) close() {
	for i := len(cb.closers) - 1; i >= 0; i-- {
		cb.closers[i]()
	}
	cb.closers = nil
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// Run starts the chat bot and blocks until /quit, end of input or a signal.
func (cb *ChatBot) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cb.run(ctx)
}

func (cb *ChatBot) run(ctx context.Context) error {
	defer cb.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	// Subscribe before the engine starts so the first session is printed.
	envs, err := cb.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	cb.printf("=== Voice Chat ===\n")
	cb.printf("Backend: %s\n", cb.config.Backend)
	if cb.server != nil {
		cb.printf("Listening on %s\n", cb.config.ListenAddr)
	}
	cb.printf("Type /help for commands, /quit to exit\n\n")

	eg.Go(func() error { return cb.engine.Run(ctx) })
	eg.Go(func() error { return cb.printEvents(ctx, envs) })
	if cb.server != nil {
		eg.Go(func() error { return cb.server.Run(ctx) })
	}
	eg.Go(func() error {
		defer cancel()
		return cb.repl(ctx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	cb.printf("Goodbye!\n")
	return nil
}

// repl reads lines until /quit or end of input. The scanner runs on its own
// goroutine because a blocked stdin read cannot be cancelled.
func (cb *ChatBot) repl(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if strings.HasPrefix(input, "/") {
				shouldQuit, err := cb.handleCommand(ctx, input)
				if err != nil {
					cb.printf("Error: %v\n", err)
					cb.logger.Error("command error", "error", err)
				}
				if shouldQuit {
					return nil
				}
				continue
			}
			if err := cb.engine.Submit(ctx, input); err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("failed to submit message", "error", err)
			}
		}
	}
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		_, err := cb.engine.NewSession(ctx)
		return false, err

	case "/list":
		for _, s := range cb.engine.Store().List() {
			current := ""
			if s.Active {
				current = " (current)"
			}
			cb.printf("%d. %s - %d messages, started %s%s\n",
				s.Index+1, s.ID, s.MessageCount, s.StartTime.Format(time.Kitchen), current)
		}
		return false, nil

	case "/select":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /select <n>")
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("usage: /select <n>")
		}
		if err := cb.engine.Select(ctx, n-1); err != nil {
			return false, err
		}
		for _, msg := range cb.engine.Store().Active().Messages {
			cb.printMessage(msg)
		}
		return false, nil

	case "/history":
		return false, cb.printHistory(ctx)

	case "/capture":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /capture start|stop")
		}
		switch parts[1] {
		case "start":
			return false, cb.engine.StartCapture(ctx)
		case "stop":
			return false, cb.engine.StopCapture(ctx)
		default:
			return false, fmt.Errorf("usage: /capture start|stop")
		}

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /quit, /exit              - Exit the chatbot\n")
		cb.printf("  /new                      - Start a new chat session\n")
		cb.printf("  /list                     - List chat sessions\n")
		cb.printf("  /select <n>               - Switch to session n\n")
		cb.printf("  /history                  - Show the journaled messages of this session\n")
		cb.printf("  /capture start|stop       - Toggle speech capture\n")
		cb.printf("  /help                     - Show this help message\n")
		cb.printf("Saying or typing \"clear\" starts a new session, \"mute\" stops capture.\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// printHistory replays the active session from the journal.
func (cb *ChatBot) printHistory(ctx context.Context) error {
	if cb.journal == nil {
		return fmt.Errorf("journal disabled, start with -journal <file>")
	}
	id := cb.engine.Store().Active().ID
	msgs, err := cb.journal.Transcript(ctx, id)
	if err != nil {
		return err
	}
	sessions, utterances, err := cb.journal.Counts(ctx)
	if err != nil {
		return err
	}
	cb.printf("History of %s (%d messages; journal holds %d sessions, %d utterances)\n",
		id, len(msgs), sessions, utterances)
	for _, msg := range msgs {
		cb.printMessage(msg)
	}
	return nil
}

func (cb *ChatBot) printMessage(msg session.Message) {
	if msg.IsUser {
		cb.printf("You: %s\n", msg.Text)
		return
	}
	cb.printf("Bot: %s\n\n", msg.Text)
}

// printEvents renders the event stream for the terminal.
func (cb *ChatBot) printEvents(ctx context.Context, envs <-chan events.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			if err := cb.printEvent(env); err != nil {
				cb.logger.Warn("failed to render event", "type", env.Type, "error", err)
			}
		}
	}
}

func (cb *ChatBot) printEvent(env events.Envelope) error {
	switch env.Type {
	case "session.created":
		var ev events.SessionCreated
		if err := sonic.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		cb.printf("Session %d: %s\n", ev.Index+1, ev.SessionID)
	case "session.selected":
		var ev events.SessionSelected
		if err := sonic.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		cb.printf("Switched to session %d\n", ev.Index+1)
	case "transcript.committed":
		var ev events.UtteranceCommitted
		if err := sonic.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		cb.printf("You (voice): %s\n", ev.Text)
	case "message.appended":
		var ev events.MessageAppended
		if err := sonic.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		if !ev.Message.IsUser {
			cb.printMessage(ev.Message)
		}
	case "request.retrying":
		var ev events.RequestRetrying
		if err := sonic.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		cb.printf("(no answer yet, retrying in %s)\n", ev.Delay)
	case "capture.started":
		cb.printf("Listening...\n")
	case "capture.stopped":
		cb.printf("Capture stopped\n")
	case "capture.unsupported":
		cb.printf("Speech recognition is not supported here\n")
	case "speech.unsupported":
		cb.printf("Text-to-speech is not supported here\n")
	}
	return nil
}
