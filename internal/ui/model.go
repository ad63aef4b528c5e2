package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/desertwitch/govol/internal/volume"
	"github.com/dustin/go-humanize"
)

const (
	pollInterval = 250 * time.Millisecond
	maxLogLines  = 100
)

//nolint:gochecknoglobals
var (
	// titleStyle defines the style for a panel's title.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	// borderStyle defines the style for a panel's borders.
	borderStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4"))

	// infoStyle defines the style for a panel's text.
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	// helpStyle defines the style for the help panel's text.
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Padding(0, 1)
)

// StatsMsg is a [tea.Msg] carrying a fresh [volume.Stats] snapshot.
type StatsMsg struct {
	t     time.Time
	stats volume.Stats
}

// TeaModel is the principal [tea.Model] for the command-line user interface.
type TeaModel struct {
	width  int
	height int

	cancel context.CancelFunc

	uiHandler *Handler

	fullWidthWithBorders  int
	splitWidthWithBorders int

	stats   volume.Stats
	updated time.Time

	blockProgress progress.Model
	inodeProgress progress.Model
	cacheProgress progress.Model
	logsViewport  viewport.Model
	logs          []string

	ready bool
}

// NewTeaModel returns an initial new [TeaModel].
//
//nolint:mnd
func NewTeaModel(uiHandler *Handler, cancel context.CancelFunc) TeaModel {
	newBar := func() progress.Model {
		return progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(80),
		)
	}

	return TeaModel{
		uiHandler:     uiHandler,
		blockProgress: newBar(),
		inodeProgress: newBar(),
		cacheProgress: newBar(),
		logsViewport:  viewport.New(80, 20),
		logs:          make([]string, 0, maxLogLines),
		cancel:        cancel,
	}
}

// Init initializes the model within a [tea.Program].
func (m TeaModel) Init() tea.Cmd {
	m.uiHandler.Initialized.Store(true)

	return tea.Batch(
		tea.EnterAltScreen,
		pollStats(m.uiHandler.source),
	)
}

// pollStats produces a [tea.Cmd] returning a [StatsMsg] after one poll
// interval.
func pollStats(source statsProvider) tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return StatsMsg{t: t, stats: source.Stats()}
	})
}

// ratio returns part / whole, or 0 for an empty whole.
func ratio(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}

	return float64(part) / float64(whole)
}

// Update is the principal message handling method of the model.
// It sets the internal state of the model, for later rendering.
//
//nolint:mnd,funlen,ireturn
func (m TeaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()

			return m, tea.Quit
		case "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.fullWidthWithBorders = m.width - 2
		m.splitWidthWithBorders = (m.width / 3) - 2

		m.blockProgress.Width = m.splitWidthWithBorders
		m.inodeProgress.Width = m.splitWidthWithBorders
		m.cacheProgress.Width = m.splitWidthWithBorders

		// Upper panels take about 40% of the height.
		upperHeight := m.height * 2 / 5
		lowerHeight := m.height - upperHeight

		m.logsViewport.Width = m.fullWidthWithBorders
		m.logsViewport.Height = lowerHeight - 3

		if len(m.logs) > 0 {
			m.refreshLogs()
		}

		if !m.ready {
			m.ready = true
			m.uiHandler.Ready.Store(true)
		}

	case StatsMsg:
		m.stats = msg.stats
		m.updated = msg.t

		s := msg.stats
		cmds = append(cmds,
			m.blockProgress.SetPercent(ratio(uint64(s.TotalBlocks-s.FreeBlocks), uint64(s.TotalBlocks))),
			m.inodeProgress.SetPercent(ratio(uint64(s.InodeCount-s.FreeInodes), uint64(s.InodeCount))),
			m.cacheProgress.SetPercent(s.Cache.HitRatio()),
			pollStats(m.uiHandler.source),
		)

	case LogMsg:
		if len(m.logs) >= maxLogLines {
			m.logs = m.logs[1:]
		}
		m.logs = append(m.logs, string(msg))
		m.refreshLogs()

	case progress.FrameMsg:
		for _, bar := range []*progress.Model{&m.blockProgress, &m.inodeProgress, &m.cacheProgress} {
			updated, cmd := bar.Update(msg)
			if progressModel, ok := updated.(progress.Model); ok {
				*bar = progressModel
			}
			cmds = append(cmds, cmd)
		}
	}

	m.logsViewport, cmd = m.logsViewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *TeaModel) refreshLogs() {
	logs := lipgloss.NewStyle().
		Width(m.logsViewport.Width).
		Render(strings.TrimSuffix(strings.Join(m.logs, ""), "\n"))

	m.logsViewport.SetContent(logs)
	m.logsViewport.GotoBottom()
}

// View is the principal rendering function of the model.
func (m TeaModel) View() string {
	if !m.ready {
		return "Loading the GUI..."
	}

	s := m.stats

	header := titleStyle.Width(m.fullWidthWithBorders).Render(
		fmt.Sprintf("%s (%s) %s, updated %s", s.Label, s.Profile, s.UUID, m.updated.Format("15:04:05")),
	)

	blockDetails := fmt.Sprintf(
		"Used: %d/%d blocks (%s)\nFree: %s\nReserved: %d blocks\nData: %d blocks\n",
		s.TotalBlocks-s.FreeBlocks, s.TotalBlocks,
		humanize.IBytes(uint64(s.TotalBlocks-s.FreeBlocks)*uint64(s.BlockSize)),
		humanize.IBytes(uint64(s.FreeBlocks)*uint64(s.BlockSize)),
		s.ReservedBlocks,
		s.UsedBlocks,
	)
	inodeDetails := fmt.Sprintf(
		"Used: %d/%d inodes\nFree: %d\nMounts: %d (last %s)\n",
		s.InodeCount-s.FreeInodes, s.InodeCount,
		s.FreeInodes,
		s.MountCount, s.LastMount.Format("2006-01-02 15:04:05"),
	)
	cacheDetails := fmt.Sprintf(
		"Hits: %d, Misses: %d (%.1f%%)\nEvictions: %d, Write-backs: %d\nHeld: %s of %s (%d dirty)\n",
		s.Cache.Hits, s.Cache.Misses, s.Cache.HitRatio()*100, //nolint:mnd
		s.Cache.Evictions, s.Cache.WriteBacks,
		humanize.IBytes(s.Cache.Bytes), humanize.IBytes(s.Cache.Budget), s.Cache.Dirty,
	)

	progressSection := lipgloss.JoinHorizontal(
		lipgloss.Top,
		borderStyle.Width(m.splitWidthWithBorders).Render(m.formatProgressView("Blocks", m.blockProgress.View(), blockDetails)),
		borderStyle.Width(m.splitWidthWithBorders).Render(m.formatProgressView("Inodes", m.inodeProgress.View(), inodeDetails)),
		borderStyle.Width(m.splitWidthWithBorders).Render(m.formatProgressView("Cache", m.cacheProgress.View(), cacheDetails)),
	)

	logsSection := borderStyle.
		Width(m.fullWidthWithBorders).
		Render(
			lipgloss.JoinVertical(
				lipgloss.Left,
				titleStyle.Width(m.fullWidthWithBorders).Render("Volume Log"),
				lipgloss.NewStyle().Width(m.fullWidthWithBorders).Render(m.logsViewport.View()),
			),
		)

	helpSection := helpStyle.
		Width(m.fullWidthWithBorders).
		Render("q: quit inspector • ctrl+c: quit program")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		progressSection,
		logsSection,
		helpSection,
	)
}

func (m TeaModel) formatProgressView(title string, progressBar string, details string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Width(m.splitWidthWithBorders).Render(title),
		"",
		progressBar,
		"",
		infoStyle.Width(m.splitWidthWithBorders).Render(details),
	)
}
