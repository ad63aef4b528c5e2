package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/desertwitch/govol/internal/profile"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/desertwitch/govol/internal/ui"
	"github.com/desertwitch/govol/internal/volume"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"github.com/zeebo/blake3"
)

const uiLogHandler = "ui"

func argsExactly(c *cli.Context, n int) error {
	if c.Args().Len() != n {
		return fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrUsage, c.Command.Name, n, c.Args().Len())
	}

	return nil
}

// splitParent resolves the directory holding p and returns it with the last
// path element.
func splitParent(v *volume.Volume, p string) (schema.InodeID, string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return schema.NullInode, "", fmt.Errorf("%w: %q has no parent", ErrUsage, p)
	}

	parent, err := v.Resolve(path.Dir(clean))
	if err != nil {
		return schema.NullInode, "", err
	}

	return parent, path.Base(clean), nil
}

// createDevice opens the configured device for formatting. A missing image
// file is created with the given geometry.
func (app *App) createDevice(blockSize uint32, blocks uint32) (schema.Device, error) {
	if app.cfg.UsesS3() || app.cfg.Device == "" {
		return app.openDevice(blockSize, blocks)
	}

	if _, err := app.osHandler.Stat(app.cfg.Device); err == nil {
		return app.openDevice(blockSize, blocks)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("(app-device) %w: %w", schema.ErrIO, err)
	}

	return app.createImage(blockSize, blocks)
}

func (app *App) format(c *cli.Context) error {
	token := app.cfg.Profile
	if c.IsSet("profile") {
		token = c.String("profile")
	}

	p, err := profile.Parse(token)
	if err != nil {
		return fmt.Errorf("(app-format) %w", err)
	}

	g, err := profile.Resolve(p)
	if err != nil {
		return fmt.Errorf("(app-format) %w", err)
	}

	bs := g.BlockSize
	if c.Uint("block-size") != 0 {
		bs = uint32(c.Uint("block-size")) //nolint:gosec
	}
	if err := g.Validate(bs); err != nil {
		return fmt.Errorf("(app-format) %w", err)
	}

	blocks := uint32(g.Capacity / uint64(bs)) //nolint:gosec
	if c.Uint("blocks") != 0 {
		blocks = uint32(c.Uint("blocks")) //nolint:gosec
	}

	if sb, err := app.probe(); err == nil && !c.Bool("force") {
		return fmt.Errorf("(app-format) %w: %q (%s), use --force", ErrAlreadyFormatted, sb.Label, sb.UUID)
	}

	dev, err := app.createDevice(bs, blocks)
	if err != nil {
		return err
	}

	opts := app.options()
	opts.BlockSize = bs
	if c.IsSet("label") {
		opts.Label = c.String("label")
	}

	v, err := volume.Format(dev, p, opts)
	if err != nil {
		return errors.Join(fmt.Errorf("(app-format) %w", err), closeDevice(dev))
	}

	stats := v.Stats()
	if err := errors.Join(v.Unmount(), closeDevice(dev)); err != nil {
		return err
	}

	return writeInfo(app.out, stats, "text")
}

func (app *App) info(c *cli.Context, v *volume.Volume) error {
	return writeInfo(app.out, v.Stats(), c.String("format"))
}

func (app *App) list(c *cli.Context, v *volume.Volume) error {
	p := "/"
	if c.Args().Present() {
		p = c.Args().First()
	}

	ino, err := v.Resolve(p)
	if err != nil {
		return err
	}

	in, err := v.Stat(ino)
	if err != nil {
		return err
	}

	if !in.IsDir() {
		row, err := app.listRow(v, path.Base(path.Clean("/"+p)), ino)
		if err != nil {
			return err
		}

		return writeListing(app.out, []listRow{row})
	}

	entries, err := v.ReadDir(ino)
	if err != nil {
		return err
	}

	rows := make([]listRow, 0, len(entries))
	for _, e := range entries {
		row, err := app.listRow(v, e.Name, e.Inode)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return writeListing(app.out, rows)
}

func (app *App) listRow(v *volume.Volume, name string, ino schema.InodeID) (listRow, error) {
	in, err := v.Stat(ino)
	if err != nil {
		return listRow{}, err
	}

	row := listRow{name: name, in: in}
	if in.Type == schema.TypeSymlink {
		if row.target, err = v.Readlink(ino); err != nil {
			return listRow{}, err
		}
	}

	return row, nil
}

func (app *App) mkdir(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 1); err != nil {
		return err
	}

	if c.Bool("parents") {
		_, err := v.MkdirAll(c.Args().First())

		return err
	}

	parent, name, err := splitParent(v, c.Args().First())
	if err != nil {
		return err
	}

	_, err = v.Mkdir(parent, name)

	return err
}

// put copies a local file into the volume and reads it back, comparing the
// BLAKE3 digests of both sides.
func (app *App) put(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 2); err != nil { //nolint:mnd
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)

	typ, err := schema.ParseFileType(c.String("type"))
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("(app-put) %w", err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("(app-put) %w", err)
	}

	if c.Bool("parents") {
		if _, err := v.MkdirAll(path.Dir(path.Clean("/" + dst))); err != nil {
			return err
		}
	}

	_, err = v.CreatePath(dst, typ, uint64(fi.Size()))
	if errors.Is(err, schema.ErrAlreadyExists) && c.Bool("force") {
		err = nil
	}
	if err != nil {
		return err
	}

	f, err := v.Open(dst)
	if err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return err
	}

	srcHash := blake3.New()
	n, err := io.Copy(io.NewOffsetWriter(f, 0), io.TeeReader(in, srcHash))
	if err != nil {
		return fmt.Errorf("(app-put) %w", err)
	}

	dstHash := blake3.New()
	if _, err := io.Copy(dstHash, io.NewSectionReader(f, 0, n)); err != nil {
		return fmt.Errorf("(app-put) %w", err)
	}

	sum := hex.EncodeToString(srcHash.Sum(nil))
	if got := hex.EncodeToString(dstHash.Sum(nil)); got != sum {
		return fmt.Errorf("(app-put) %w: %s: wrote %s, read back %s", ErrVerifyFailed, dst, sum, got)
	}

	slog.Info("Stored file", "path", f.Name(), "size", humanize.IBytes(uint64(n)), "blake3", sum)

	_, err = fmt.Fprintf(app.out, "%s  %s\n", sum, f.Name())

	return err
}

// copyOut streams a volume file to w and returns its BLAKE3 digest.
func copyOut(v *volume.Volume, p string, w io.Writer) (string, error) {
	f, err := v.Open(p)
	if err != nil {
		return "", err
	}

	in, err := f.Stat()
	if err != nil {
		return "", err
	}

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(w, h), io.NewSectionReader(f, 0, int64(in.Size))); err != nil { //nolint:gosec
		return "", fmt.Errorf("(app-copy) %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (app *App) get(c *cli.Context, v *volume.Volume) (err error) {
	if err := argsExactly(c, 2); err != nil { //nolint:mnd
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:mnd
	if err != nil {
		return fmt.Errorf("(app-get) %w", err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	sum, err := copyOut(v, src, out)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(app.out, "%s  %s\n", sum, dst)

	return err
}

func (app *App) cat(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 1); err != nil {
		return err
	}

	_, err := copyOut(v, c.Args().First(), app.out)

	return err
}

func (app *App) remove(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 1); err != nil {
		return err
	}

	if c.Bool("recursive") {
		return removeAll(v, c.Args().First())
	}

	return v.Remove(c.Args().First())
}

// removeAll deletes a path and, for directories, everything below it.
func removeAll(v *volume.Volume, p string) error {
	ino, err := v.Resolve(p)
	if errors.Is(err, schema.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	in, err := v.Stat(ino)
	if err != nil {
		return err
	}

	if in.IsDir() {
		entries, err := v.ReadDir(ino)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if err := removeAll(v, path.Join(p, e.Name)); err != nil {
				return err
			}
		}
	}

	return v.Remove(p)
}

func (app *App) move(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 2); err != nil { //nolint:mnd
		return err
	}

	oldParent, oldName, err := splitParent(v, c.Args().Get(0))
	if err != nil {
		return err
	}

	newParent, newName, err := splitParent(v, c.Args().Get(1))
	if err != nil {
		return err
	}

	return v.Rename(oldParent, oldName, newParent, newName)
}

func (app *App) link(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 2); err != nil { //nolint:mnd
		return err
	}

	parent, name, err := splitParent(v, c.Args().Get(1))
	if err != nil {
		return err
	}

	_, err = v.Symlink(parent, name, c.Args().Get(0))

	return err
}

func (app *App) chmod(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 2); err != nil { //nolint:mnd
		return err
	}

	mode, err := strconv.ParseUint(c.Args().Get(0), 8, 16)
	if err != nil {
		return fmt.Errorf("%w: mode %q is not octal", ErrUsage, c.Args().Get(0))
	}

	ino, err := v.Resolve(c.Args().Get(1))
	if err != nil {
		return err
	}

	return v.Chmod(ino, uint16(mode))
}

func (app *App) truncate(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 1); err != nil {
		return err
	}

	size, err := humanize.ParseBytes(c.String("size"))
	if err != nil {
		return fmt.Errorf("%w: size %q: %w", ErrUsage, c.String("size"), err)
	}

	f, err := v.Open(c.Args().First())
	if err != nil {
		return err
	}

	return f.Truncate(int64(size)) //nolint:gosec
}

func (app *App) stat(c *cli.Context, v *volume.Volume) error {
	if err := argsExactly(c, 1); err != nil {
		return err
	}
	p := c.Args().First()

	ino, err := v.Resolve(p)
	if err != nil {
		return err
	}

	row, err := app.listRow(v, p, ino)
	if err != nil {
		return err
	}

	return writeStat(app.out, path.Clean("/"+p), row.in, row.target)
}

func (app *App) fsck(_ *cli.Context, v *volume.Volume) error {
	r, err := v.Verify()
	if err != nil {
		return err
	}

	if err := writeReport(app.out, r); err != nil {
		return err
	}

	if !r.OK() {
		return fmt.Errorf("(app-fsck) %w: %d problem(s)", ErrCheckFailed, len(r.Problems))
	}

	return nil
}

// inspect runs the live inspector. Logs are routed into it while it runs and
// the volume is verified in the background at the given interval.
func (app *App) inspect(c *cli.Context, v *volume.Volume) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	level, _ := app.cfg.Level()
	handler := ui.NewHandler(ctx, cancel, v)

	app.logs.AddHandler(uiLogHandler, slog.NewTextHandler(handler.LogWriter, &slog.HandlerOptions{Level: level}))
	term, hasTerm := app.logs.GetHandler(terminalHandler)
	app.logs.RemoveHandler(terminalHandler)

	defer func() {
		app.logs.RemoveHandler(uiLogHandler)
		if hasTerm {
			app.logs.AddHandler(terminalHandler, term)
		}
	}()

	var wg sync.WaitGroup
	if interval := c.Duration("verify-interval"); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verifyLoop(ctx, v, interval)
		}()
	}

	err := handler.Launch()
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func verifyLoop(ctx context.Context, v *volume.Volume, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := v.Verify()
			if err != nil {
				slog.Error("Verification failed", "err", err)

				continue
			}

			if r.OK() {
				slog.Info("Verified volume", "inodes", r.Inodes, "usedBlocks", r.UsedBlocks)
			} else {
				slog.Warn("Volume has problems", "problems", len(r.Problems), "first", r.Problems[0])
			}
		}
	}
}
