package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"livescribe/audio"
	"livescribe/pipeline"
	"livescribe/sink"
)

type fakeController struct {
	language string
	devices  []audio.DeviceInfo
	active   string
	swapped  []string
	resets   int
	loop     float64
}

func (f *fakeController) Levels() (float64, float64) { return f.loop, 0 }
func (f *fakeController) Language() string           { return f.language }
func (f *fakeController) SetLanguage(code string)    { f.language = code }
func (f *fakeController) ResetTranscript()           { f.resets++ }

func (f *fakeController) DeviceListing() pipeline.DeviceListing {
	return pipeline.DeviceListing{Devices: f.devices, Active: f.active}
}

func (f *fakeController) SwapMicrophone(id string) error {
	f.swapped = append(f.swapped, id)
	f.active = id
	return nil
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func update(t *testing.T, m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(tuiModel), cmd
}

func TestLanguageKeyCycles(t *testing.T) {
	ctl := &fakeController{language: "zh"}
	m := newTUIModel(ctl, tuiInfo{})

	m, _ = update(t, m, key('l'))
	if ctl.language != "" || m.language != "" {
		t.Errorf("after zh want auto-detect, got %q", ctl.language)
	}
	m, _ = update(t, m, key('l'))
	if ctl.language != "en" {
		t.Errorf("after auto want en, got %q", ctl.language)
	}
}

func TestMicKeySwapsToNextInput(t *testing.T) {
	ctl := &fakeController{
		devices: []audio.DeviceInfo{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
		active:  "b",
	}
	m := newTUIModel(ctl, tuiInfo{})

	_, cmd := update(t, m, key('m'))
	if cmd == nil {
		t.Fatal("no command for m")
	}
	msg, ok := cmd().(micSwitchMsg)
	if !ok || msg.Err != nil || msg.Name != "A" {
		t.Fatalf("msg = %+v", msg)
	}
	if len(ctl.swapped) != 1 || ctl.swapped[0] != "a" {
		t.Errorf("swapped = %v", ctl.swapped)
	}

	// Loopback-only: nothing active, first input is chosen.
	ctl.active = ""
	_, cmd = update(t, m, key('m'))
	cmd()
	if ctl.swapped[1] != "a" {
		t.Errorf("swapped = %v", ctl.swapped)
	}
}

func TestMicKeyWithoutInputs(t *testing.T) {
	m := newTUIModel(&fakeController{}, tuiInfo{})
	_, cmd := update(t, m, key('m'))
	if msg := cmd().(micSwitchMsg); msg.Err == nil {
		t.Error("expected an error with no microphones")
	}
}

func TestCopyAndReset(t *testing.T) {
	orig := copyToClipboard
	t.Cleanup(func() { copyToClipboard = orig })
	var copied string
	copyToClipboard = func(s string) error { copied = s; return nil }

	ctl := &fakeController{}
	m := newTUIModel(ctl, tuiInfo{})
	m, _ = update(t, m, segmentMsg{Index: 4, Line: sink.Line{Time: time.Now(), Text: "quarterly numbers"}})
	if m.written != 1 || m.lastText != "quarterly numbers" {
		t.Fatalf("model = %+v", m)
	}

	m, _ = update(t, m, key('c'))
	if copied != "quarterly numbers" {
		t.Errorf("copied = %q", copied)
	}

	copyToClipboard = func(string) error { return errors.New("no display") }
	m, _ = update(t, m, key('c'))
	if !m.statusErr {
		t.Error("copy failure not shown")
	}

	m, _ = update(t, m, key('r'))
	if ctl.resets != 1 || m.lastText != "" || m.written != 0 {
		t.Errorf("after reset: resets %d model %+v", ctl.resets, m)
	}
}

func TestSilenceWarning(t *testing.T) {
	m := newTUIModel(&fakeController{}, tuiInfo{})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m, _ = update(t, m, silenceMsg{Event: pipeline.SilenceWarn})
	if !strings.Contains(m.View(), "only silence") {
		t.Error("warning not rendered")
	}
	m, _ = update(t, m, silenceMsg{Event: pipeline.SilenceWarnClear})
	if strings.Contains(m.View(), "only silence") {
		t.Error("warning not cleared")
	}
}

func TestQuitKeys(t *testing.T) {
	m := newTUIModel(&fakeController{}, tuiInfo{})
	for _, msg := range []tea.KeyMsg{key('q'), {Type: tea.KeyCtrlC}} {
		_, cmd := update(t, m, msg)
		if cmd == nil {
			t.Fatalf("%v: no command", msg)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%v: not a quit", msg)
		}
	}
}

func TestMeterBounds(t *testing.T) {
	if got := meter(0, 10); strings.Contains(got, "█") {
		t.Error("zero level lit the meter")
	}
	if got := meter(1, 10); strings.Contains(got, "░") {
		t.Error("full scale left the meter partly empty")
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the quick brown fox jumps", 10)
	want := []string{"the quick", "brown fox", "jumps"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("wrapText = %q", got)
	}
}
