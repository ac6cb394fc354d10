package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and the file at path.
func Init(path string) {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// Close detaches the file sink and restores stdout-only logging.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Keep only a window of n lines while scanning.
	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n && n > 0 {
			lines = append(lines[1:], scanner.Text())
			continue
		}
		if n > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}
