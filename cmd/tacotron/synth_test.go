package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-tacotron/internal/config"
)

func TestReadSynthText(t *testing.T) {
	got, err := readSynthText("hello", strings.NewReader("ignored"))
	if err != nil || got != "hello" {
		t.Fatalf("flag text: got %q, %v", got, err)
	}

	got, err = readSynthText("  ", strings.NewReader("  from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("stdin text: got %q, %v", got, err)
	}

	if _, err := readSynthText("", strings.NewReader("   ")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestWriteSynthOutput_Stdout(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSynthOutput("-", []byte("feats"), &buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	if buf.String() != "feats" {
		t.Errorf("stdout = %q", buf.String())
	}

	if err := writeSynthOutput("-", []byte("x"), nil); err == nil {
		t.Error("expected error for nil stdout")
	}
}

func TestWriteSynthOutput_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.msgpack")
	if err := writeSynthOutput(path, []byte{1, 2, 3}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("file = %v", got)
	}
}

func TestSynthCmd_RejectsUnknownFormat(t *testing.T) {
	withActiveConfig(t, config.DefaultConfig())

	cmd := newSynthCmd()
	cmd.SetArgs([]string{"--text", "hi", "--format", "wav"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "wav") {
		t.Fatalf("expected format error, got: %v", err)
	}
}

func TestSynthCmd_MissingBundle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.BundleConfig = filepath.Join(t.TempDir(), "missing", "config.yaml")
	withActiveConfig(t, cfg)

	cmd := newSynthCmd()
	cmd.SetArgs([]string{"--token-ids", "1,2,3"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing bundle")
	}
}
