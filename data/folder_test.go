package data

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// touch creates empty files under root; ScanFolder never decodes them.
func touch(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func TestScanFolder(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"normal/b.png", "normal/a.jpg",
		"crack/x.JPEG", "crack/notes.txt",
		"burn/sub/deep.bmp",
	)

	f, err := ScanFolder(root)
	if err != nil {
		t.Fatalf("ScanFolder failed: %v", err)
	}

	want := []string{"burn", "crack", "normal"}
	if len(f.Classes) != len(want) {
		t.Fatalf("expected classes %v, got %v", want, f.Classes)
	}
	for i := range want {
		if f.Classes[i] != want[i] || f.ClassToIdx[want[i]] != i {
			t.Errorf("class %d: expected %s, got %s", i, want[i], f.Classes[i])
		}
	}

	if f.Len() != 4 {
		t.Fatalf("expected 4 samples, got %d: %+v", f.Len(), f.Samples)
	}
	if f.Samples[0].Label != 0 || filepath.Base(f.Samples[0].Path) != "deep.bmp" {
		t.Errorf("unexpected first sample %+v", f.Samples[0])
	}
	if filepath.Base(f.Samples[2].Path) != "a.jpg" || filepath.Base(f.Samples[3].Path) != "b.png" {
		t.Errorf("samples within a class should be sorted: %+v", f.Samples[2:])
	}

	counts := f.Counts()
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 2 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestScanFolder_Errors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		if _, err := ScanFolder("/path/that/does/not/exist"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no classes", func(t *testing.T) {
		root := t.TempDir()
		touch(t, root, "loose.png")
		if _, err := ScanFolder(root); !errors.Is(err, ErrNoClasses) {
			t.Fatalf("expected ErrNoClasses, got %v", err)
		}
	})

	t.Run("empty class", func(t *testing.T) {
		root := t.TempDir()
		touch(t, root, "a/1.png", "b/readme.md")
		if _, err := ScanFolder(root); !errors.Is(err, ErrEmptyClass) {
			t.Fatalf("expected ErrEmptyClass, got %v", err)
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		root := t.TempDir()
		touch(t, root, "file.png")
		if _, err := ScanFolder(filepath.Join(root, "file.png")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCheckClasses(t *testing.T) {
	f := &Folder{Root: "r", Classes: []string{"a", "b"}}
	if err := f.CheckClasses(2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := f.CheckClasses(3); !errors.Is(err, ErrClassCount) {
		t.Errorf("expected ErrClassCount, got %v", err)
	}
}

func TestSameClasses(t *testing.T) {
	a := &Folder{Classes: []string{"a", "b", "c"}}
	b := &Folder{Classes: []string{"a", "b", "c"}}
	c := &Folder{Classes: []string{"a", "c", "d"}}
	d := &Folder{Classes: []string{"a", "b"}}

	if err := SameClasses(a, b); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := SameClasses(a, c); !errors.Is(err, ErrClassLayout) {
		t.Errorf("expected ErrClassLayout, got %v", err)
	}
	if err := SameClasses(a, d); !errors.Is(err, ErrClassLayout) {
		t.Errorf("expected ErrClassLayout, got %v", err)
	}
}
