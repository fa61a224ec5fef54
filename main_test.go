package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livescribe/audio"
	"livescribe/sink"
)

func TestOpenSinkKeepsTranscriptWithoutLoopback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sink.TranscriptFile)
	if err := os.WriteFile(path, []byte("previous session\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mic := audio.DeviceInfo{ID: "mic", Name: "Mic", Input: true, Channels: 1, SampleRate: 16000, IsDefault: true}
	if _, err := openSink(audio.NewFakeContext(mic), dir, time.Now()); !errors.Is(err, audio.ErrNoLoopback) {
		t.Fatalf("err = %v, want ErrNoLoopback", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "previous session\n" {
		t.Errorf("transcript overwritten: %q", data)
	}
}

func TestOpenSinkWritesHeader(t *testing.T) {
	dir := t.TempDir()
	monitor := audio.DeviceInfo{ID: "monitor", Name: "Speakers.monitor", Input: true, Channels: 1, SampleRate: 16000, Loopback: true, IsDefault: true}
	w, err := openSink(audio.NewFakeContext(monitor), dir, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	data, err := os.ReadFile(filepath.Join(dir, sink.TranscriptFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "=== Live Transcription - ") {
		t.Errorf("header = %q", data)
	}
}
