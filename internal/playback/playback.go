package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"VoiceChat/internal/events"
)

// ErrUnsupportedCapability means no speech output is available.
var ErrUnsupportedCapability = errors.New("speech output unsupported")

// Speaker turns text into audible speech and returns when it has finished.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// candidates are tried in order when no command is configured.
var candidates = []string{"say", "espeak-ng", "espeak", "spd-say"}

// CommandSpeaker runs a text-to-speech program with the text as its last argument.
type CommandSpeaker struct {
	path string
	args []string
}

// NewCommandSpeaker resolves command (program plus optional arguments). An
// empty command probes the usual system programs.
func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		for _, name := range candidates {
			if path, err := exec.LookPath(name); err == nil {
				return &CommandSpeaker{path: path}, nil
			}
		}
		return nil, ErrUnsupportedCapability
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCapability, err)
	}
	return &CommandSpeaker{path: path, args: fields[1:]}, nil
}

func (c *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string(nil), c.args...), text)
	out, err := exec.CommandContext(ctx, c.path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Notifier plays reply text and brackets the playback with speech.started and
// speech.ended events. Those events are the only playback signal presentation
// code sees.
type Notifier struct {
	speaker  Speaker
	events   events.Notifier
	logger   *slog.Logger
	reported sync.Once
}

// NewNotifier creates a notifier. A nil speaker makes every Speak fail with
// ErrUnsupportedCapability.
func NewNotifier(speaker Speaker, notifier events.Notifier, logger *slog.Logger) *Notifier {
	if notifier == nil {
		notifier = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{speaker: speaker, events: notifier, logger: logger}
}

// Available reports whether speech output exists.
func (n *Notifier) Available() bool {
	return n.speaker != nil
}

// Speak plays text. Unsupported output is reported once and then returned
// quietly on each call.
func (n *Notifier) Speak(ctx context.Context, text string) error {
	if n.speaker == nil {
		n.reported.Do(func() {
			n.logger.Warn("text-to-speech not supported")
			n.events.Notify(&events.SpeechUnsupported{Error: ErrUnsupportedCapability.Error()})
		})
		return ErrUnsupportedCapability
	}

	n.events.Notify(&events.SpeechStarted{Text: text})
	err := n.speaker.Speak(ctx, text)
	n.events.Notify(&events.SpeechEnded{Text: text})
	if err != nil {
		n.logger.Warn("speech output failed", "error", err)
		return fmt.Errorf("speech output failed: %w", err)
	}
	return nil
}
