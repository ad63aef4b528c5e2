package ui

import (
	"log/slog"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProgram collects the messages a [TeaLogWriter] sends.
type fakeProgram struct {
	msgs chan tea.Msg
}

func newFakeProgram() *fakeProgram {
	return &fakeProgram{
		msgs: make(chan tea.Msg, 100),
	}
}

func (fp *fakeProgram) Send(msg tea.Msg) {
	fp.msgs <- msg
}

func (fp *fakeProgram) next(t *testing.T) LogMsg {
	t.Helper()

	select {
	case m := <-fp.msgs:
		lm, ok := m.(LogMsg)
		require.True(t, ok, "unexpected message %T", m)

		return lm
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout waiting for log message")
	}

	return ""
}

// TestTeaLogWriter_Write_Table verifies that every write arrives unchanged as
// one message.
func TestTeaLogWriter_Write_Table(t *testing.T) {
	t.Parallel()

	fp := newFakeProgram()
	writer := NewTeaLogWriter(fp)
	defer writer.Stop()

	testCases := []struct {
		name  string
		input string
	}{
		{"Success_Empty", ""},
		{"Success_Line", "Mounted volume\n"},
		{"Success_Unicode", "label=Gerätedaten ✓"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := writer.Write([]byte(tc.input))
			require.NoError(t, err)
			require.Equal(t, len(tc.input), n)

			assert.Equal(t, LogMsg(tc.input), fp.next(t))
		})
	}
}

// TestTeaLogWriter_SlogHandler verifies that records of a text handler writing
// into the writer reach the program as one message each, with their level
// and attributes.
func TestTeaLogWriter_SlogHandler(t *testing.T) {
	t.Parallel()

	fp := newFakeProgram()
	writer := NewTeaLogWriter(fp)
	defer writer.Stop()

	log := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.Debug("Flushed block cache", "blocks", 3)
	log.Info("Verified volume", "label", "boot", "problems", 0)
	log.Warn("Rebuilding free block bitmap", "reason", "unclean unmount")

	first := string(fp.next(t))
	assert.Contains(t, first, "level=INFO")
	assert.Contains(t, first, `msg="Verified volume"`)
	assert.Contains(t, first, "label=boot")
	assert.Contains(t, first, "problems=0")

	second := string(fp.next(t))
	assert.Contains(t, second, "level=WARN")
	assert.Contains(t, second, `reason="unclean unmount"`)

	select {
	case m := <-fp.msgs:
		t.Fatalf("unexpected message below the handler level: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTeaLogWriter_Stop verifies that writes after Stop are swallowed without
// blocking the logger.
func TestTeaLogWriter_Stop(t *testing.T) {
	t.Parallel()

	fp := newFakeProgram()
	writer := NewTeaLogWriter(fp)
	log := slog.New(slog.NewTextHandler(writer, nil))

	log.Info("Mounted volume")
	assert.Contains(t, string(fp.next(t)), "Mounted volume")

	writer.Stop()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			log.Info("Unmounted volume")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("logging blocked after stop")
	}

	var late []string
drain:
	for {
		select {
		case m := <-fp.msgs:
			if lm, ok := m.(LogMsg); ok {
				late = append(late, string(lm))
			}
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}

	for _, s := range late {
		assert.NotContains(t, s, "Unmounted volume")
	}
}
