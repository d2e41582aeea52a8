package router

import "strings"

// Kind identifies what a committed utterance asks for.
type Kind int

const (
	SendMessage Kind = iota
	NewSession
	MuteCapture
)

func (k Kind) String() string {
	switch k {
	case NewSession:
		return "new_session"
	case MuteCapture:
		return "mute_capture"
	default:
		return "send_message"
	}
}

// Command is the routing decision for one utterance. Text is set for SendMessage.
type Command struct {
	Kind Kind
	Text string
}

var keywords = map[string]Kind{
	"clear": NewSession,
	"mute":  MuteCapture,
}

// Route classifies an utterance. Only an exact, case-insensitive match of a
// keyword after trimming is a control command; everything else is sent.
func Route(utterance string) Command {
	if kind, ok := keywords[strings.ToLower(strings.TrimSpace(utterance))]; ok {
		return Command{Kind: kind}
	}
	return Command{Kind: SendMessage, Text: utterance}
}
