package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Logger is shared by every package. It writes to stderr until InitLogger
// points it at a run directory.
var Logger *log.Logger = log.Default()

var debug bool = false

var logFile *os.File

// InitLogger tees Logger into <dir>/train.log. The returned func closes the
// file and resets Logger to the default.
func InitLogger(dir, tag string) (func(), error) {
	fname := filepath.Join(dir, "train.log")
	file, err := os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", fname, err)
	}
	logFile = file
	mw := io.MultiWriter(os.Stderr, file)
	prefix := fmt.Sprintf("%s: ", tag)
	Logger = log.New(mw, prefix, log.LstdFlags)
	return func() {
		Logger = log.Default()
		logFile.Close()
		logFile = nil
	}, nil
}

func SetDebug(on bool) {
	debug = on
}

func Debug[T any](s T) {
	if debug {
		Logger.Println(s)
	}
}
