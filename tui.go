package main

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"livescribe/audio"
	"livescribe/pipeline"
)

// controller is the part of the pipeline the TUI drives.
type controller interface {
	Levels() (loop, mic float64)
	Language() string
	SetLanguage(code string)
	DeviceListing() pipeline.DeviceListing
	SwapMicrophone(id string) error
	ResetTranscript()
}

// Languages cycled by the l key; "" is auto-detect.
var tuiLanguages = []string{"en", "fr", "de", "es", "it", "pt", "nl", "ja", "zh", ""}

var copyToClipboard = clipboard.WriteAll

type tuiInfo struct {
	Backend    string
	Model      string
	Segment    time.Duration
	Transcript string
}

type tickMsg time.Time

type micSwitchMsg struct {
	Name string
	Err  error
}

type tuiModel struct {
	ctl  controller
	info tuiInfo

	width, height int
	frame         int
	loopLevel     float64
	micLevel      float64
	loopLine      string
	micLine       string
	language      string

	lastText    string
	lastTime    time.Time
	lastIndex   int
	written     int
	skipped     int
	lastSkip    string
	silenceWarn bool

	status    string
	statusErr bool
}

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKey     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	meterColors = []lipgloss.Style{
		lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func newTUIModel(ctl controller, info tuiInfo) tuiModel {
	return tuiModel{
		ctl:      ctl,
		info:     info,
		language: ctl.Language(),
		loopLine: "loop: opening...",
		micLine:  "mic: opening...",
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		loop, mic := m.ctl.Levels()
		m.loopLevel = m.loopLevel*0.6 + loop*0.4
		m.micLevel = m.micLevel*0.6 + mic*0.4
		return m, tuiTick()

	case segmentMsg:
		m.written++
		m.lastText = msg.Line.Text
		m.lastTime = msg.Line.Time
		m.lastIndex = msg.Index

	case skippedMsg:
		m.skipped++
		m.lastSkip = msg.Reason

	case deviceMsg:
		if msg.Role == pipeline.RoleMicrophone {
			m.micLine = msg.Text
		} else {
			m.loopLine = msg.Text
		}

	case silenceMsg:
		switch msg.Event {
		case pipeline.SilenceWarn, pipeline.SilenceRepeat:
			m.silenceWarn = true
		case pipeline.SilenceWarnClear:
			m.silenceWarn = false
		}

	case errorMsg:
		m.setStatus(msg.Err.Error(), true)

	case micSwitchMsg:
		if msg.Err != nil {
			m.setStatus("mic switch failed: "+msg.Err.Error(), true)
		} else {
			m.setStatus("switching to "+msg.Name, false)
		}
	}
	return m, nil
}

func (m *tuiModel) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit

	case "m":
		return m, nextMicrophone(m.ctl)

	case "l":
		i := slices.Index(tuiLanguages, m.language)
		m.language = tuiLanguages[(i+1)%len(tuiLanguages)]
		m.ctl.SetLanguage(m.language)
		m.setStatus("language: "+languageLabel(m.language), false)

	case "r":
		m.ctl.ResetTranscript()
		m.lastText = ""
		m.written, m.skipped = 0, 0
		m.setStatus("transcript reset", false)

	case "c":
		if m.lastText == "" {
			break
		}
		if err := copyToClipboard(m.lastText); err != nil {
			m.setStatus("copy failed: "+err.Error(), true)
		} else {
			m.setStatus("copied last line", false)
		}
	}
	return m, nil
}

// nextMicrophone swaps to the input after the active one. Device enumeration
// may block, so it runs as a command.
func nextMicrophone(ctl controller) tea.Cmd {
	return func() tea.Msg {
		listing := ctl.DeviceListing()
		if len(listing.Devices) == 0 {
			return micSwitchMsg{Err: fmt.Errorf("no microphones available")}
		}
		i := slices.IndexFunc(listing.Devices, func(d audio.DeviceInfo) bool {
			return d.ID == listing.Active
		})
		next := listing.Devices[(i+1)%len(listing.Devices)]
		if err := ctl.SwapMicrophone(next.ID); err != nil {
			return micSwitchMsg{Err: err}
		}
		return micSwitchMsg{Name: next.Name}
	}
}

// meter renders level on a -60..0 dBFS scale.
func meter(level float64, width int) string {
	frac := 0.0
	if level > 0 {
		frac = (20*math.Log10(level) + 60) / 60
	}
	frac = math.Max(0, math.Min(1, frac))
	filled := int(math.Round(frac * float64(width)))

	var b strings.Builder
	for i := 0; i < width; i++ {
		if i >= filled {
			b.WriteString(dimStyle.Render("░"))
			continue
		}
		c := meterColors[0]
		switch {
		case i >= width*9/10:
			c = meterColors[2]
		case i >= width*7/10:
			c = meterColors[1]
		}
		b.WriteString(c.Render("█"))
	}
	return b.String()
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var lines []string
	dot := "●"
	if m.frame%10 >= 5 {
		dot = "○"
	}
	lines = append(lines, titleStyle.Render(dot+" LIVE ")+dimStyle.Render("livescribe "+version))
	lines = append(lines, "")

	meterWidth := min(max(m.width-40, 10), 40)
	lines = append(lines, meter(m.loopLevel, meterWidth)+" "+infoStyle.Render(m.loopLine))
	lines = append(lines, meter(m.micLevel, meterWidth)+" "+infoStyle.Render(m.micLine))
	lines = append(lines, "")

	lines = append(lines, infoStyle.Render(fmt.Sprintf("[%s | %s | %s | %s segments]",
		m.info.Backend, m.info.Model, languageLabel(m.language), m.info.Segment)))
	counts := fmt.Sprintf("%d written, %d skipped", m.written, m.skipped)
	if m.lastSkip != "" {
		counts += " (last: " + m.lastSkip + ")"
	}
	lines = append(lines, dimStyle.Render(counts))
	lines = append(lines, dimStyle.Render("-> "+m.info.Transcript))

	if m.silenceWarn {
		lines = append(lines, warnStyle.Render("⚠ only silence lately, check the output device and microphone"))
	}
	if m.status != "" {
		if m.statusErr {
			lines = append(lines, warnStyle.Render(m.status))
		} else {
			lines = append(lines, okStyle.Render(m.status))
		}
	}
	lines = append(lines, "")

	if m.lastText != "" {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("Last line (#%d) %s", m.lastIndex+1, m.lastTime.Format("15:04:05"))))
		for _, l := range wrapText(m.lastText, max(m.width-2, 10)) {
			lines = append(lines, textStyle.Render(l))
		}
	} else {
		lines = append(lines, dimStyle.Render("No transcript yet"))
	}
	lines = append(lines, "")

	help := helpKey.Render("m") + helpStyle.Render(" mic  ") +
		helpKey.Render("l") + helpStyle.Render(" language  ") +
		helpKey.Render("r") + helpStyle.Render(" reset  ") +
		helpKey.Render("c") + helpStyle.Render(" copy  ") +
		helpKey.Render("q") + helpStyle.Render(" quit")
	lines = append(lines, help)

	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
