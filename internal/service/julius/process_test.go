package julius

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"speech-recognition-bridge/internal/service/audio"
)

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JConf = "/etc/julius/main.jconf"
	cfg.ModulePort = 10500
	cfg.AudioPort = 5530
	cfg.ExtraArgs = []string{"-nostrip", "-spmodel", "sp"}

	got := strings.Join(buildArgs(cfg, "/tmp/log"), " ")
	want := "-rejectshort 200 -record /tmp/log -smpFreq 16000 -input adinnet -adport 5530 " +
		"-nostrip -spmodel sp -C /etc/julius/main.jconf -module 10500"
	if got != want {
		t.Errorf("buildArgs:\n got %s\nwant %s", got, want)
	}
}

func TestFreePort(t *testing.T) {
	port, err := freePort("127.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port <= 0 {
		t.Fatalf("expected a positive port, got %d", port)
	}

	// The port must be bindable again once released.
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port %d not reusable: %v", port, err)
	}
	l.Close()
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without jconf when spawning")
	}

	cfg.JConf = "main.jconf"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	attach := DefaultConfig()
	attach.Spawn = false
	if err := attach.Validate(); err == nil {
		t.Error("expected error without ports when attaching")
	}

	attach.ModulePort, attach.AudioPort = 10500, 5530
	attach.Charset = "koi8-r"
	if err := attach.Validate(); err == nil {
		t.Error("expected error for unsupported charset")
	}
}

func writeWAV(t *testing.T, path string, pcm []byte, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, audio.DefaultFormat()), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestCollectLogAudio(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "0001.wav"), []byte{1, 0, 2, 0}, time.Minute)
	writeWAV(t, filepath.Join(dir, "0002.wav"), []byte{3, 0}, time.Minute)
	writeWAV(t, filepath.Join(dir, "0003.wav"), []byte{4, 0}, 0) // still being written
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	got, errs := collectLogAudio(dir, time.Now())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got))
	}
	if got[0].Name != "0001.wav" || len(got[0].Audio) != 4 || got[0].Format != audio.DefaultFormat() {
		t.Errorf("unexpected first file %+v", got[0])
	}

	if _, err := os.Stat(filepath.Join(dir, "0001.wav")); !os.IsNotExist(err) {
		t.Error("collected files must be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "0003.wav")); err != nil {
		t.Error("recent files must be left for a later poll")
	}
}

func TestCollectLogAudio_Unreadable(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.wav")
	stale := filepath.Join(dir, "stale.wav")
	for _, p := range []string{fresh, stale} {
		os.WriteFile(p, []byte("garbage"), 0o644)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(stale, old, old)
	recent := time.Now().Add(-2 * time.Second)
	os.Chtimes(fresh, recent, recent)

	got, errs := collectLogAudio(dir, time.Now())
	if len(got) != 0 {
		t.Errorf("expected no files, got %d", len(got))
	}
	if len(errs) != 1 {
		t.Errorf("expected one error for the stale file, got %v", errs)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale unreadable file must be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh unreadable file must be retried later")
	}
}
