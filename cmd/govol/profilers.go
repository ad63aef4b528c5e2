package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
)

// profiler writes one pprof profile to a file over the lifetime of a command.
type profiler struct {
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// startProfiler runs record until the profiler is stopped. An empty path
// profiles nothing.
func startProfiler(ctx context.Context, kind string, path string, record func(ctx context.Context, f *os.File) error) *profiler {
	ctx, cancel := context.WithCancel(ctx)
	prof := &profiler{cancel: cancel, doneChan: make(chan struct{})}

	go func() {
		defer close(prof.doneChan)

		if path == "" {
			return
		}

		f, err := os.Create(path)
		if err != nil {
			slog.Error("Could not create profile", "kind", kind, "err", err)

			return
		}
		defer f.Close()

		if err := record(ctx, f); err != nil {
			slog.Error("Could not write profile", "kind", kind, "err", err)
		}
	}()

	return prof
}

// newCPUProfiler samples the CPU from now until stopped.
func newCPUProfiler(ctx context.Context, path string) *profiler {
	return startProfiler(ctx, "cpu", path, func(ctx context.Context, f *os.File) error {
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("(profiler-cpu) %w", err)
		}
		<-ctx.Done()
		pprof.StopCPUProfile()

		return nil
	})
}

// newAllocProfiler writes the allocation profile once stopped.
func newAllocProfiler(ctx context.Context, path string) *profiler {
	return startProfiler(ctx, "allocs", path, func(ctx context.Context, f *os.File) error {
		<-ctx.Done()

		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			return fmt.Errorf("(profiler-allocs) %w", err)
		}

		return nil
	})
}

// Stop ends the profile and waits until it is written.
func (prof *profiler) Stop() {
	prof.cancel()
	<-prof.doneChan
}
