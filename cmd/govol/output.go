package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/desertwitch/govol/internal/inode"
	"github.com/desertwitch/govol/internal/schema"
	"github.com/desertwitch/govol/internal/volume"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"
)

//nolint:gochecknoglobals
var (
	keyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			Width(16)

	dirStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	linkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787"))
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87D787"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
)

const timeLayout = "2006-01-02 15:04:05"

// infoDoc is the YAML form of the info command.
type infoDoc struct {
	Label          string `yaml:"label"`
	UUID           string `yaml:"uuid"`
	Profile        string `yaml:"profile"`
	BlockSize      uint32 `yaml:"blockSize"`
	TotalBlocks    uint32 `yaml:"totalBlocks"`
	FreeBlocks     uint32 `yaml:"freeBlocks"`
	ReservedBlocks uint32 `yaml:"reservedBlocks"`
	UsedBlocks     uint64 `yaml:"usedBlocks"`
	InodeCount     uint32 `yaml:"inodeCount"`
	FreeInodes     uint32 `yaml:"freeInodes"`
	MountCount     uint32 `yaml:"mountCount"`
	Created        string `yaml:"created"`
	LastMount      string `yaml:"lastMount"`
}

func newInfoDoc(s volume.Stats) infoDoc {
	return infoDoc{
		Label:          s.Label,
		UUID:           s.UUID.String(),
		Profile:        s.Profile.String(),
		BlockSize:      s.BlockSize,
		TotalBlocks:    s.TotalBlocks,
		FreeBlocks:     s.FreeBlocks,
		ReservedBlocks: s.ReservedBlocks,
		UsedBlocks:     s.UsedBlocks,
		InodeCount:     s.InodeCount,
		FreeInodes:     s.FreeInodes,
		MountCount:     s.MountCount,
		Created:        s.Created.UTC().Format(time.RFC3339),
		LastMount:      s.LastMount.UTC().Format(time.RFC3339),
	}
}

func writeKV(w io.Writer, pairs [][2]string) error {
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(p[0]), p[1]))
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

func blockBytes(blocks uint64, blockSize uint32) string {
	return humanize.IBytes(blocks * uint64(blockSize))
}

func writeInfo(w io.Writer, s volume.Stats, format string) error {
	switch format {
	case "yaml":
		data, err := yaml.Marshal(newInfoDoc(s))
		if err != nil {
			return fmt.Errorf("(output-info) %w", err)
		}
		_, err = w.Write(data)

		return err

	case "", "text":
		return writeKV(w, [][2]string{
			{"Label", s.Label},
			{"UUID", s.UUID.String()},
			{"Profile", s.Profile.String()},
			{"Block size", humanize.IBytes(uint64(s.BlockSize))},
			{"Size", fmt.Sprintf("%s (%d blocks)", blockBytes(uint64(s.TotalBlocks), s.BlockSize), s.TotalBlocks)},
			{"Free", fmt.Sprintf("%s (%d blocks)", blockBytes(uint64(s.FreeBlocks), s.BlockSize), s.FreeBlocks)},
			{"Used", fmt.Sprintf("%s (%d blocks)", blockBytes(s.UsedBlocks, s.BlockSize), s.UsedBlocks)},
			{"Metadata", fmt.Sprintf("%d blocks", s.ReservedBlocks)},
			{"Inodes", fmt.Sprintf("%d of %d free", s.FreeInodes, s.InodeCount)},
			{"Mounts", strconv.FormatUint(uint64(s.MountCount), 10)},
			{"Created", s.Created.Format(timeLayout)},
			{"Last mount", s.LastMount.Format(timeLayout)},
		})

	default:
		return fmt.Errorf("(output-info) %w: unknown format %q", ErrUsage, format)
	}
}

// modeString renders type and permissions the way ls does.
func modeString(typ schema.FileType, mode uint16) string {
	const rwx = "rwxrwxrwx"

	var sb strings.Builder
	switch typ {
	case schema.TypeDirectory:
		sb.WriteByte('d')
	case schema.TypeSymlink:
		sb.WriteByte('l')
	case schema.TypeDevice:
		sb.WriteByte('c')
	default:
		sb.WriteByte('-')
	}

	for i := range len(rwx) {
		if mode&(1<<(8-i)) != 0 {
			sb.WriteByte(rwx[i])
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

func styledName(name string, typ schema.FileType) string {
	switch typ {
	case schema.TypeDirectory:
		return dirStyle.Render(name + "/")
	case schema.TypeSymlink:
		return linkStyle.Render(name)
	default:
		return name
	}
}

type listRow struct {
	name   string
	in     inode.Inode
	target string
}

func writeListing(w io.Writer, rows []listRow) error {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("MODE", "TYPE", "LINKS", "SIZE", "MODIFIED", "NAME")

	for _, r := range rows {
		name := styledName(r.name, r.in.Type)
		if r.target != "" {
			name += " -> " + r.target
		}

		t.Row(
			modeString(r.in.Type, r.in.Mode),
			r.in.Type.String(),
			strconv.FormatUint(uint64(r.in.Links), 10),
			humanize.IBytes(r.in.Size),
			r.in.Modified.Format(timeLayout),
			name,
		)
	}

	_, err := fmt.Fprintln(w, t.Render())

	return err
}

func writeStat(w io.Writer, path string, in inode.Inode, target string) error {
	pairs := [][2]string{
		{"Path", path},
		{"Inode", strconv.FormatUint(uint64(in.Number), 10)},
		{"Type", in.Type.String()},
		{"Mode", fmt.Sprintf("%s (%04o)", modeString(in.Type, in.Mode), in.Mode)},
		{"Links", strconv.FormatUint(uint64(in.Links), 10)},
		{"Size", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(in.Size), in.Size)},
		{"Blocks", strconv.FormatUint(uint64(in.BlocksUsed), 10)},
		{"Owner", fmt.Sprintf("%d:%d", in.UID, in.GID)},
		{"Created", in.Created.Format(timeLayout)},
		{"Modified", in.Modified.Format(timeLayout)},
		{"Accessed", in.Accessed.Format(timeLayout)},
	}

	if target != "" {
		pairs = append(pairs, [2]string{"Target", target})
	}

	return writeKV(w, pairs)
}

func writeReport(w io.Writer, r *volume.Report) error {
	status := okStyle.Render("clean")
	if !r.OK() {
		status = failStyle.Render(fmt.Sprintf("%d problem(s)", len(r.Problems)))
	}

	if err := writeKV(w, [][2]string{
		{"Status", status},
		{"Inodes", fmt.Sprintf("%d (%d directories, %d files, %d symlinks)", r.Inodes, r.Directories, r.Files, r.Symlinks)},
		{"Blocks", fmt.Sprintf("%d used, %d free, %d reserved of %d", r.UsedBlocks, r.FreeBlocks, r.ReservedBlocks, r.TotalBlocks)},
	}); err != nil {
		return err
	}

	for _, p := range r.Problems {
		if _, err := fmt.Fprintln(w, failStyle.Render("  ! ")+p); err != nil {
			return err
		}
	}

	return nil
}
