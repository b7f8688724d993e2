package data

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNoClasses   = errors.New("no class directories")
	ErrEmptyClass  = errors.New("class directory has no images")
	ErrClassCount  = errors.New("class count mismatch")
	ErrClassLayout = errors.New("class layouts differ")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".ppm":  true,
	".bmp":  true,
	".pgm":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsImageFile reports whether fn carries one of the supported extensions.
func IsImageFile(fn string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(fn))]
}

type Sample struct {
	Path  string
	Label int
}

// Folder is a dataset laid out as root/<class>/<image>. Class indices follow
// the sorted order of the class directory names.
type Folder struct {
	Root       string
	Classes    []string
	ClassToIdx map[string]int
	Samples    []Sample
}

// ScanFolder lists the classes and images under root.
func ScanFolder(root string) (*Folder, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("dataset root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset root %s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("dataset root %s: %w", root, err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoClasses)
	}
	sort.Strings(classes)

	f := &Folder{
		Root:       root,
		Classes:    classes,
		ClassToIdx: make(map[string]int, len(classes)),
	}
	for idx, class := range classes {
		f.ClassToIdx[class] = idx

		var paths []string
		walkErr := filepath.WalkDir(filepath.Join(root, class), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsImageFile(p) {
				paths = append(paths, p)
			}
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("scanning class %s: %w", class, walkErr)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("%s/%s: %w", root, class, ErrEmptyClass)
		}

		sort.Strings(paths)
		for _, p := range paths {
			f.Samples = append(f.Samples, Sample{Path: p, Label: idx})
		}
	}

	return f, nil
}

func (f *Folder) Len() int {
	return len(f.Samples)
}

// CheckClasses fails when the layout does not hold exactly n classes.
func (f *Folder) CheckClasses(n int) error {
	if len(f.Classes) != n {
		return fmt.Errorf("%s has %d classes %v, classifier expects %d: %w",
			f.Root, len(f.Classes), f.Classes, n, ErrClassCount)
	}
	return nil
}

// SameClasses fails when the two folders would map labels differently.
func SameClasses(a, b *Folder) error {
	if len(a.Classes) != len(b.Classes) {
		return fmt.Errorf("%s %v vs %s %v: %w", a.Root, a.Classes, b.Root, b.Classes, ErrClassLayout)
	}
	for i := range a.Classes {
		if a.Classes[i] != b.Classes[i] {
			return fmt.Errorf("%s %v vs %s %v: %w", a.Root, a.Classes, b.Root, b.Classes, ErrClassLayout)
		}
	}
	return nil
}

// Counts returns the number of samples per class index.
func (f *Folder) Counts() []int {
	counts := make([]int, len(f.Classes))
	for _, s := range f.Samples {
		counts[s.Label]++
	}
	return counts
}
