// Command govol formats, inspects and edits govol volumes stored in image
// files or S3 buckets.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	stackTraceBufMax = 1 << 24
)

//nolint:gochecknoglobals
var (
	ExitCode = 0
	Version  string
)

func setupSignalHandlers(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChan
		cancel()
	}()

	sigChan2 := make(chan os.Signal, 1)
	signal.Notify(sigChan2, syscall.SIGUSR1)
	go func() {
		for range sigChan2 {
			buf := make([]byte, stackTraceBufMax)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

// newCLI wires the commands of an [App].
//
//nolint:funlen,mnd
func newCLI(app *App, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "govol",
		Usage:     "format, inspect and edit govol volumes",
		Version:   Version,
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration `FILE`"},
			&cli.StringSliceFlag{Name: "env", Usage: ".env `FILE`s layered over the configuration"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "image `FILE` of the volume"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log at debug level"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write a cpu profile to `FILE`"},
			&cli.StringFlag{Name: "memprofile", Usage: "write an allocation profile to `FILE`"},
		},
		Before: app.before,
		After:  app.after,
		Commands: []*cli.Command{{
			Name:   "format",
			Usage:  "lay out a new volume on the device",
			Action: app.format,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "profile", Aliases: []string{"p"}, Usage: "micro, embedded, mobile, desktop or server"},
				&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "volume label"},
				&cli.UintFlag{Name: "block-size", Usage: "block size in bytes (default: the profile's)"},
				&cli.UintFlag{Name: "blocks", Usage: "blocks of a new image file (default: the profile's capacity)"},
				&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing volume"},
			},
		}, {
			Name:   "info",
			Usage:  "show the superblock and usage counters",
			Action: app.withVolume(app.info),
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "format", Value: "text", Usage: "text or yaml"},
			},
		}, {
			Name:      "ls",
			Usage:     "list a directory",
			ArgsUsage: "[PATH]",
			Action:    app.withVolume(app.list),
		}, {
			Name:      "mkdir",
			Usage:     "create a directory",
			ArgsUsage: "PATH",
			Action:    app.withVolume(app.mkdir),
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "create missing parents"},
			},
		}, {
			Name:      "put",
			Usage:     "copy a local file into the volume",
			ArgsUsage: "SOURCE PATH",
			Action:    app.withVolume(app.put),
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: "regular", Usage: "regular, config, kernel-image, device or special"},
				&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "create missing parents"},
				&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing file"},
			},
		}, {
			Name:      "get",
			Usage:     "copy a file out of the volume",
			ArgsUsage: "PATH DESTINATION",
			Action:    app.withVolume(app.get),
		}, {
			Name:      "cat",
			Usage:     "print a file",
			ArgsUsage: "PATH",
			Action:    app.withVolume(app.cat),
		}, {
			Name:      "rm",
			Usage:     "delete a file or an empty directory",
			ArgsUsage: "PATH",
			Action:    app.withVolume(app.remove),
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "delete directories with their contents"},
			},
		}, {
			Name:      "mv",
			Usage:     "rename or move an entry",
			ArgsUsage: "OLD NEW",
			Action:    app.withVolume(app.move),
		}, {
			Name:      "ln",
			Usage:     "create a symbolic link",
			ArgsUsage: "TARGET PATH",
			Action:    app.withVolume(app.link),
		}, {
			Name:      "chmod",
			Usage:     "change permission bits",
			ArgsUsage: "MODE PATH",
			Action:    app.withVolume(app.chmod),
		}, {
			Name:      "truncate",
			Usage:     "set the size of a file",
			ArgsUsage: "PATH",
			Action:    app.withVolume(app.truncate),
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "size", Aliases: []string{"s"}, Required: true, Usage: "new size, e.g. 600 or 4KiB"},
			},
		}, {
			Name:      "stat",
			Usage:     "show the inode of a path",
			ArgsUsage: "PATH",
			Action:    app.withVolume(app.stat),
		}, {
			Name:   "fsck",
			Usage:  "verify the volume",
			Action: app.withVolume(app.fsck),
		}, {
			Name:   "inspect",
			Usage:  "watch the volume in a terminal UI",
			Action: app.withVolume(app.inspect),
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "verify-interval", Value: 5 * time.Second, Usage: "background verification interval, 0 disables it"},
			},
		}},
	}
}

func main() {
	defer func() {
		os.Exit(ExitCode)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupSignalHandlers(cancel)

	app := NewApp(os.Stdout)
	if err := newCLI(app, os.Stdout).RunContext(ctx, os.Args); err != nil {
		slog.Error("Command failed.", "err", err)
		ExitCode = 1
	}
}
