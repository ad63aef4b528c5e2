package main

import (
	"bytes"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/desertwitch/govol/internal/configuration"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

// staticConfig is a configProvider returning the defaults, so the tests do not
// depend on the process environment.
type staticConfig struct{}

func (staticConfig) Load(string, ...string) (*configuration.Config, error) {
	cfg := configuration.Default()

	return &cfg, nil
}

type cliHarness struct {
	t     *testing.T
	image string
	out   bytes.Buffer
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	return &cliHarness{t: t, image: filepath.Join(t.TempDir(), "volume.img")}
}

// run executes one command against the image and returns its output.
func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()

	h.out.Reset()

	app := NewApp(&h.out)
	app.configProvider = staticConfig{}

	err := newCLI(app, &h.out).Run(append([]string{"govol", "--device", h.image}, args...))

	return h.out.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()

	out, err := h.run(args...)
	require.NoError(h.t, err, "govol %v", args)

	return out
}

// TestCLI_Workflow_Success verifies formatting an image, storing a file and
// reading it back through every read path.
func TestCLI_Workflow_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	out := h.mustRun("format", "--profile", "micro", "--label", "Boot Disk")
	assert.Contains(t, out, "boot-disk")
	assert.Contains(t, out, "micro")

	fi, err := os.Stat(h.image)
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024), fi.Size())

	content := make([]byte, 600)
	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec
	for i := range content {
		content[i] = byte(rng.UintN(256))
	}

	src := filepath.Join(t.TempDir(), "boot.cfg")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	out = h.mustRun("put", "--parents", "--type", "config", src, "/etc/boot.cfg")
	assert.Contains(t, out, "/etc/boot.cfg")

	out = h.mustRun("ls", "/etc")
	assert.Contains(t, out, "boot.cfg")
	assert.Contains(t, out, "config")

	out = h.mustRun("cat", "/etc/boot.cfg")
	assert.Equal(t, content, []byte(out))

	dst := filepath.Join(t.TempDir(), "copy.cfg")
	h.mustRun("get", "/etc/boot.cfg", dst)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	out = h.mustRun("stat", "/etc/boot.cfg")
	assert.Contains(t, out, "600 bytes")

	out = h.mustRun("fsck")
	assert.Contains(t, out, "clean")

	out = h.mustRun("info", "--format", "yaml")
	var doc infoDoc
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "boot-disk", doc.Label)
	assert.Equal(t, "micro", doc.Profile)
	assert.Equal(t, uint32(512), doc.BlockSize)
	assert.Equal(t, uint32(32), doc.TotalBlocks)
	assert.Equal(t, uint64(doc.TotalBlocks), uint64(doc.FreeBlocks)+doc.UsedBlocks+uint64(doc.ReservedBlocks))
	assert.Greater(t, doc.MountCount, uint32(1))
}

// TestCLI_Edit_Success verifies the commands changing the tree.
func TestCLI_Edit_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustRun("format", "--profile", "embedded")

	h.mustRun("mkdir", "--parents", "/a/b")
	h.mustRun("mkdir", "/c")

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("x"), 1000), 0o600))
	h.mustRun("put", src, "/a/b/payload")

	h.mustRun("mv", "/a/b", "/c/moved")
	out := h.mustRun("ls", "/c/moved")
	assert.Contains(t, out, "payload")

	h.mustRun("ln", "/c/moved/payload", "/link")
	out = h.mustRun("stat", "/link")
	assert.Contains(t, out, "/c/moved/payload")

	h.mustRun("chmod", "600", "/c/moved/payload")
	out = h.mustRun("stat", "/c/moved/payload")
	assert.Contains(t, out, "-rw-------")

	h.mustRun("truncate", "--size", "10", "/c/moved/payload")
	out = h.mustRun("cat", "/c/moved/payload")
	assert.Equal(t, "xxxxxxxxxx", out)

	_, err := h.run("rm", "/c")
	require.ErrorIs(t, err, schema.ErrNotEmpty)

	h.mustRun("rm", "--recursive", "/c")
	_, err = h.run("stat", "/c")
	require.ErrorIs(t, err, schema.ErrNotFound)

	out = h.mustRun("fsck")
	assert.Contains(t, out, "clean")
}

// TestCLI_Format_Fail_AlreadyFormatted verifies that format refuses to
// overwrite a volume unless forced.
func TestCLI_Format_Fail_AlreadyFormatted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustRun("format", "--profile", "micro", "--label", "first")

	_, err := h.run("format", "--profile", "micro", "--label", "second")
	require.ErrorIs(t, err, ErrAlreadyFormatted)

	out := h.mustRun("format", "--profile", "micro", "--label", "second", "--force")
	assert.Contains(t, out, "second")
}

// TestCLI_Fail verifies the argument and device failures of the commands.
func TestCLI_Fail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.run("info")
	require.ErrorIs(t, err, schema.ErrIO)

	h.mustRun("format", "--profile", "micro")

	tests := []struct {
		name string
		args []string
		err  error
	}{
		{"Put_MissingArgument", []string{"put", "only-one"}, ErrUsage},
		{"Cat_Missing", []string{"cat", "/missing"}, schema.ErrNotFound},
		{"Cat_Directory", []string{"cat", "/"}, schema.ErrIsDirectory},
		{"Chmod_NotOctal", []string{"chmod", "rwx", "/"}, ErrUsage},
		{"Put_UnknownType", []string{"put", "--type", "fifo", "a", "/b"}, schema.ErrInvalidArgument},
		{"Info_UnknownFormat", []string{"info", "--format", "json"}, ErrUsage},
		{"Mkdir_Root", []string{"mkdir", "/"}, ErrUsage},
	}

	for _, tt := range tests {
		_, err := h.run(tt.args...)
		require.ErrorIs(t, err, tt.err, tt.name)
	}
}

// TestSlogManager_Swap verifies that loggers derived before a handler swap
// follow the new handler set.
func TestSlogManager_Swap(t *testing.T) {
	t.Parallel()

	var first, second bytes.Buffer

	m := NewSlogManager()
	m.AddHandler("first", slog.NewTextHandler(&first, nil))

	logger := slog.New(m).With("volume", "boot")
	logger.Info("one")

	m.RemoveHandler("first")
	m.AddHandler("second", slog.NewTextHandler(&second, nil))
	logger.WithGroup("g").Info("two", "k", "v")

	assert.Contains(t, first.String(), "volume=boot")
	assert.Contains(t, first.String(), "one")
	assert.NotContains(t, first.String(), "two")
	assert.Contains(t, second.String(), "volume=boot")
	assert.Contains(t, second.String(), "g.k=v")

	_, ok := m.GetHandler("first")
	assert.False(t, ok)
}

// TestModeString verifies the ls style permission rendering.
func TestModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "drwxr-xr-x", modeString(schema.TypeDirectory, 0o755))
	assert.Equal(t, "-rw-r--r--", modeString(schema.TypeRegular, 0o644))
	assert.Equal(t, "lrwxrwxrwx", modeString(schema.TypeSymlink, 0o777))
	assert.Equal(t, "----------", modeString(schema.TypeConfig, 0))
}
