// Package ui implements the live volume inspector using [tea].
package ui

import (
	"context"
	"fmt"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertwitch/govol/internal/volume"
)

// statsProvider is the source of the counters the inspector renders.
type statsProvider interface {
	Stats() volume.Stats
}

// Handler is the principal implementation of a user interface [Handler].
type Handler struct {
	source  statsProvider
	program *tea.Program

	LogWriter *TeaLogWriter

	Initialized atomic.Bool
	Ready       atomic.Bool
	Failed      atomic.Bool
}

// NewHandler returns a pointer to a new user interface [Handler] that
// renders the counters of source.
func NewHandler(ctx context.Context, cancel context.CancelFunc, source statsProvider) *Handler {
	handler := &Handler{
		source: source,
	}

	model := NewTeaModel(handler, cancel)
	handler.program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	handler.LogWriter = NewTeaLogWriter(handler.program)

	return handler
}

// Launch starts the command-line user interface (the [tea.Program]).
func (uiHandler *Handler) Launch() error {
	defer uiHandler.LogWriter.Stop()

	if _, err := uiHandler.program.Run(); err != nil {
		uiHandler.Failed.Store(true)

		return fmt.Errorf("(ui) %w", err)
	}

	return nil
}
