package journal

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"VoiceChat/internal/events"
	"VoiceChat/internal/session"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:", "huggingface", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordsConversation(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()

	j.Notify(&events.SessionCreated{SessionID: "s1", Index: 0})
	j.Notify(&events.UtteranceCommitted{ResultIndex: 0, Text: "What is the capital of France?"})
	j.Notify(&events.MessageAppended{SessionID: "s1", Message: session.UserMessage("What is the capital of France?")})
	j.Notify(&events.MessageAppended{SessionID: "s1", Message: session.BotMessage("Paris is the capital of France.")})
	j.Notify(&events.SpeechStarted{Text: "ignored"})

	msgs, err := j.Transcript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsUser)
	require.Equal(t, "What is the capital of France?", msgs[0].Text)
	require.False(t, msgs[1].IsUser)
	require.Equal(t, "Paris is the capital of France.", msgs[1].Text)

	sessions, utterances, err := j.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sessions)
	require.Equal(t, 1, utterances)
}

func TestJournalKeepsSessionsApart(t *testing.T) {
	j := openMemory(t)
	j.Notify(&events.MessageAppended{SessionID: "a", Message: session.UserMessage("one")})
	j.Notify(&events.MessageAppended{SessionID: "b", Message: session.UserMessage("two")})

	msgs, err := j.Transcript(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "two", msgs[0].Text)
}

func TestOpenRequiresLogger(t *testing.T) {
	_, err := Open(":memory:", "x", nil)
	require.Error(t, err)
}
