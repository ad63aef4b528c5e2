package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const terminalHandler = "terminal"

// SlogManager is a [slog.Handler] fanning every record out to a set of named
// handlers. Handlers can be swapped while loggers are in use; loggers derived
// with attributes or groups follow the swap.
type SlogManager struct {
	sync.RWMutex
	handlers map[string]slog.Handler
}

// slogView is a [SlogManager] seen through the attributes and groups of a
// derived logger.
type slogView struct {
	manager *SlogManager
	derive  []func(slog.Handler) slog.Handler
}

func NewSlogManager() *SlogManager {
	return &SlogManager{
		handlers: make(map[string]slog.Handler),
	}
}

func (m *SlogManager) Enabled(ctx context.Context, level slog.Level) bool {
	return (&slogView{manager: m}).Enabled(ctx, level)
}

func (m *SlogManager) Handle(ctx context.Context, r slog.Record) error {
	return (&slogView{manager: m}).Handle(ctx, r)
}

func (m *SlogManager) WithAttrs(attrs []slog.Attr) slog.Handler {
	return (&slogView{manager: m}).WithAttrs(attrs)
}

func (m *SlogManager) WithGroup(name string) slog.Handler {
	return (&slogView{manager: m}).WithGroup(name)
}

func (m *SlogManager) GetHandler(name string) (slog.Handler, bool) {
	m.RLock()
	defer m.RUnlock()

	h, ok := m.handlers[name]

	return h, ok
}

func (m *SlogManager) AddHandler(name string, handler slog.Handler) {
	m.Lock()
	defer m.Unlock()

	m.handlers[name] = handler
}

func (m *SlogManager) RemoveHandler(name string) {
	m.Lock()
	defer m.Unlock()

	delete(m.handlers, name)
}

func (v *slogView) resolve(h slog.Handler) slog.Handler {
	for _, fn := range v.derive {
		h = fn(h)
	}

	return h
}

func (v *slogView) Enabled(ctx context.Context, level slog.Level) bool {
	v.manager.RLock()
	defer v.manager.RUnlock()

	for _, h := range v.manager.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (v *slogView) Handle(ctx context.Context, r slog.Record) error {
	v.manager.RLock()
	defer v.manager.RUnlock()

	var errs []error
	for _, h := range v.manager.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := v.resolve(h).Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (v *slogView) with(fn func(slog.Handler) slog.Handler) *slogView {
	derive := make([]func(slog.Handler) slog.Handler, len(v.derive), len(v.derive)+1)
	copy(derive, v.derive)

	return &slogView{manager: v.manager, derive: append(derive, fn)}
}

func (v *slogView) WithAttrs(attrs []slog.Attr) slog.Handler {
	return v.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (v *slogView) WithGroup(name string) slog.Handler {
	return v.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// setupLogging installs a [SlogManager] with a tinted terminal handler on
// stderr as the default logger. Stdout is left to command output.
func setupLogging(level slog.Leveler) *SlogManager {
	manager := NewSlogManager()
	manager.AddHandler(terminalHandler, tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	slog.SetDefault(slog.New(manager))

	return manager
}
