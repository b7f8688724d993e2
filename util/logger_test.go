package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLogger_WritesRunFile(t *testing.T) {
	dir := t.TempDir()

	closeFn, err := InitLogger(dir, "vgg16")
	if err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	Logger.Println("epoch 0 done")
	closeFn()

	data, err := os.ReadFile(filepath.Join(dir, "train.log"))
	if err != nil {
		t.Fatalf("reading train.log: %v", err)
	}
	if !strings.Contains(string(data), "vgg16: ") {
		t.Errorf("expected prefix in log, got %q", string(data))
	}
	if !strings.Contains(string(data), "epoch 0 done") {
		t.Errorf("expected message in log, got %q", string(data))
	}
}

func TestInitLogger_MissingDir(t *testing.T) {
	if _, err := InitLogger("/path/that/does/not/exist", "x"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
