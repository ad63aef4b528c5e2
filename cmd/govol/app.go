package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/desertwitch/govol/internal/configuration"
	"github.com/desertwitch/govol/internal/device"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/desertwitch/govol/internal/volume"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

type configProvider interface {
	Load(yamlFile string, envFiles ...string) (*configuration.Config, error)
}

// App holds what the commands share: the loaded configuration, the OS
// providers for image files and the log handler set.
type App struct {
	configProvider configProvider
	osHandler      *schema.OS
	unixHandler    *schema.Unix
	newS3Client    func(device.S3Config) (s3iface.S3API, error)

	out  io.Writer
	logs *SlogManager
	cfg  *configuration.Config

	cpuProfiler   *profiler
	allocProfiler *profiler
	memObserver   *memoryObserver
}

func NewApp(out io.Writer) *App {
	return &App{
		configProvider: configuration.NewConfigProvider(),
		osHandler:      &schema.OS{},
		unixHandler:    &schema.Unix{},
		newS3Client:    device.NewS3Client,
		out:            out,
	}
}

// before loads the configuration, installs logging and starts the profilers.
func (app *App) before(c *cli.Context) error {
	cfg, err := app.configProvider.Load(c.String("config"), c.StringSlice("env")...)
	if err != nil {
		return fmt.Errorf("(app-config) %w", err)
	}

	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("(app-config) %w", err)
	}

	level, _ := cfg.Level()
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}

	app.cfg = cfg
	app.logs = setupLogging(level)

	app.memObserver = newMemoryObserver(c.Context)
	app.cpuProfiler = newCPUProfiler(c.Context, c.String("cpuprofile"))
	app.allocProfiler = newAllocProfiler(c.Context, c.String("memprofile"))

	return nil
}

func (app *App) after(_ *cli.Context) error {
	if app.cpuProfiler != nil {
		app.cpuProfiler.Stop()
	}
	if app.allocProfiler != nil {
		app.allocProfiler.Stop()
	}
	if app.memObserver != nil {
		app.memObserver.Stop()
	}

	return nil
}

func (app *App) options() volume.Options {
	return volume.Options{
		Label:       app.cfg.Label,
		CacheBudget: app.cfg.CacheBytes,
		Logger:      slog.Default(),
	}
}

func (app *App) s3Config() (device.S3Config, s3iface.S3API, error) {
	s3cfg := app.cfg.S3()

	client, err := app.newS3Client(s3cfg)
	if err != nil {
		return s3cfg, nil, fmt.Errorf("(app-s3) %w", err)
	}

	return s3cfg, client, nil
}

// probe reads the superblock of the configured device.
func (app *App) probe() (volume.Superblock, error) {
	if app.cfg.UsesS3() {
		s3cfg, client, err := app.s3Config()
		if err != nil {
			return volume.Superblock{}, err
		}

		dev, err := device.NewS3(client, s3cfg, volume.SuperblockSize, 1)
		if err != nil {
			return volume.Superblock{}, fmt.Errorf("(app-probe) %w", err)
		}

		return volume.Probe(dev)
	}

	if app.cfg.Device == "" {
		return volume.Superblock{}, fmt.Errorf("(app-probe) %w", ErrNoDevice)
	}

	f, err := app.osHandler.OpenFile(app.cfg.Device, os.O_RDONLY, 0)
	if err != nil {
		return volume.Superblock{}, fmt.Errorf("(app-probe) %w: %w", schema.ErrIO, err)
	}
	defer f.Close()

	return volume.Probe(f)
}

// openDevice opens the configured device with the given geometry. Image
// files take their block count from the file size.
func (app *App) openDevice(blockSize uint32, blocks uint32) (schema.Device, error) {
	if app.cfg.UsesS3() {
		s3cfg, client, err := app.s3Config()
		if err != nil {
			return nil, err
		}

		dev, err := device.NewS3(client, s3cfg, blockSize, blocks)
		if err != nil {
			return nil, fmt.Errorf("(app-device) %w", err)
		}

		return dev, nil
	}

	if app.cfg.Device == "" {
		return nil, fmt.Errorf("(app-device) %w", ErrNoDevice)
	}

	dev, err := device.OpenFile(app.cfg.Device, blockSize, app.osHandler, app.unixHandler)
	if err != nil {
		return nil, fmt.Errorf("(app-device) %w", err)
	}

	return dev, nil
}

func closeDevice(dev schema.Device) error {
	if closer, ok := dev.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("(app-device) %w", err)
		}
	}

	return nil
}

// mount probes and mounts the configured device.
func (app *App) mount() (*volume.Volume, schema.Device, error) {
	sb, err := app.probe()
	if err != nil {
		return nil, nil, err
	}

	dev, err := app.openDevice(sb.BlockSize, sb.TotalBlocks)
	if err != nil {
		return nil, nil, err
	}

	v, err := volume.Mount(dev, app.options())
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("(app-mount) %w", err), closeDevice(dev))
	}

	return v, dev, nil
}

// withVolume wraps a command action with mounting and unmounting the
// configured volume.
func (app *App) withVolume(fn func(c *cli.Context, v *volume.Volume) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		v, dev, err := app.mount()
		if err != nil {
			return err
		}

		defer func() {
			err = errors.Join(err, v.Unmount(), closeDevice(dev))
		}()

		return fn(c, v)
	}
}

func (app *App) createImage(blockSize uint32, blocks uint32) (schema.Device, error) {
	dev, err := device.CreateFile(app.cfg.Device, blockSize, blocks, app.osHandler, app.unixHandler)
	if err != nil {
		return nil, fmt.Errorf("(app-device) %w", err)
	}

	slog.Debug("Created image file",
		"path", app.cfg.Device,
		"size", humanize.IBytes(uint64(blockSize)*uint64(blocks)),
	)

	return dev, nil
}
