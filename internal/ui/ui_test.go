package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertwitch/govol/internal/cache"
	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/volume"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a fixed implementation of statsProvider.
type fakeSource struct {
	stats volume.Stats
}

func (s *fakeSource) Stats() volume.Stats { return s.stats }

func newFakeSource() *fakeSource {
	return &fakeSource{stats: volume.Stats{
		Label:          "inspector-test",
		UUID:           uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Profile:        profile.Embedded,
		BlockSize:      1024,
		TotalBlocks:    1000,
		FreeBlocks:     600,
		ReservedBlocks: 100,
		UsedBlocks:     300,
		InodeCount:     64,
		FreeInodes:     48,
		MountCount:     3,
		Created:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		LastMount:      time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
		Cache:          cache.Stats{Hits: 30, Misses: 10, Budget: 256 * 1024},
	}}
}

// TestTeaModel_Update_Success verifies that stats and log messages are
// rendered by the model without a running program.
func TestTeaModel_Update_Success(t *testing.T) {
	t.Parallel()

	handler := &Handler{source: newFakeSource()}
	var model tea.Model = NewTeaModel(handler, func() {})

	assert.Equal(t, "Loading the GUI...", model.View())

	model, _ = model.Update(tea.WindowSizeMsg{Width: 200, Height: 60})
	require.True(t, handler.Ready.Load())

	model, cmd := model.Update(StatsMsg{t: time.Now(), stats: handler.source.Stats()})
	require.NotNil(t, cmd)

	model, _ = model.Update(LogMsg("volume mounted\n"))

	view := model.View()
	assert.Contains(t, view, "inspector-test")
	assert.Contains(t, view, "embedded")
	assert.Contains(t, view, "Used: 400/1000 blocks")
	assert.Contains(t, view, "Used: 16/64 inodes")
	assert.Contains(t, view, "Hits: 30, Misses: 10 (75.0%)")
	assert.Contains(t, view, "volume mounted")
}

// TestTeaModel_Update_LogLimit verifies that only the most recent log lines
// are kept.
func TestTeaModel_Update_LogLimit(t *testing.T) {
	t.Parallel()

	handler := &Handler{source: newFakeSource()}
	var model tea.Model = NewTeaModel(handler, func() {})

	for i := range maxLogLines + 10 {
		model, _ = model.Update(LogMsg(string(rune('a' + i%26))))
	}

	m, ok := model.(TeaModel)
	require.True(t, ok)
	assert.Len(t, m.logs, maxLogLines)
}

// TestRatio_Success verifies the percentage helper of the progress bars.
func TestRatio_Success(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, ratio(5, 0), 1e-9)
	assert.InDelta(t, 0.25, ratio(1, 4), 1e-9)
	assert.InDelta(t, 1.0, ratio(4, 4), 1e-9)
}

// TestTeaUI is an integration test for the command-line user interface.
func TestTeaUI(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var in bytes.Buffer

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	handler := &Handler{source: newFakeSource()}
	model := NewTeaModel(handler, cancel)
	program := tea.NewProgram(model, tea.WithInput(&in), tea.WithOutput(&buf), tea.WithAltScreen(), tea.WithContext(ctx))

	handler.program = program
	handler.LogWriter = NewTeaLogWriter(handler.program)

	go func() {
		// Simulate some fast-paced logs and key presses for the UI.
		for {
			time.Sleep(time.Millisecond)
			if handler.Initialized.Load() {
				program.Send(tea.WindowSizeMsg{Width: 200, Height: 200})
				time.Sleep(time.Millisecond)

				program.Send(LogMsg("log1"))
				time.Sleep(time.Millisecond)

				_, _ = handler.LogWriter.Write([]byte("log2"))
				time.Sleep(time.Millisecond)

				for range 150 {
					_, _ = handler.LogWriter.Write([]byte("fast logs"))
				}
				time.Sleep(time.Millisecond)

				program.Send(tea.WindowSizeMsg{Width: 200, Height: 250})

				time.Sleep(time.Second)
				program.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

				return
			}
			if handler.Failed.Load() {
				return
			}
		}
	}()

	// Launch and Run both finish before the buffer is read, so the writer
	// goroutines are done with it.
	require.NoError(t, handler.Launch())
	require.NotZero(t, buf.Len(), "UI generated no output at all")

	by := buf.Bytes()
	assert.True(t, bytes.Contains(by, []byte("log1")), "UI did not show the log message sent via program.Send")
	assert.True(t, bytes.Contains(by, []byte("log2")), "UI did not show the log message sent via LogWriter")
	assert.True(t, bytes.Contains(by, []byte("inspector-test")), "UI did not render the polled stats")
}

// TestTeaUI_Ctrl_C is an integration test for the command-line user interface.
// A Ctrl+C keypress is simulated, which should trigger upstream Context
// cancellation for signalling application teardown.
func TestTeaUI_Ctrl_C(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var in bytes.Buffer

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	handler := &Handler{source: newFakeSource()}

	model := NewTeaModel(handler, cancel)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithInput(&in), tea.WithOutput(&buf), tea.WithContext(ctx))

	handler.program = program
	handler.LogWriter = NewTeaLogWriter(handler.program)

	go func() {
		for {
			time.Sleep(time.Millisecond)
			if handler.Initialized.Load() {
				program.Send(tea.KeyMsg{Type: tea.KeyCtrlC})

				return
			}
			if handler.Failed.Load() {
				return
			}
		}
	}()

	err := handler.Launch()
	require.ErrorIs(t, err, context.Canceled)
	assert.NotZero(t, buf.Len(), "UI generated no output at all")
}
