package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AccountLog remembers the bot accounts that have been registered on a
// server, so restarts reuse them instead of creating fresh ones.
//
// Format: <username>\n, append-only. A partial final line from a crash is
// read back as a username that simply fails to log in and gets recreated.
type AccountLog struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	known map[string]struct{}
	order []string
}

func OpenAccountLog(path string) (*AccountLog, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}

	known := make(map[string]struct{})
	var order []string
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			name := strings.TrimSpace(scanner.Text())
			if name == "" {
				continue
			}
			if _, ok := known[name]; ok {
				continue
			}
			known[name] = struct{}{}
			order = append(order, name)
		}
		_ = f.Close()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &AccountLog{path: path, file: file, known: known, order: order}, nil
}

func (l *AccountLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AccountLog) Has(username string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.known[username]
	return ok
}

// Names returns the recorded usernames in registration order.
func (l *AccountLog) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.order...)
}

// Add records username and fsyncs. Known names are ignored.
func (l *AccountLog) Add(username string) error {
	if username == "" {
		return fmt.Errorf("username is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.known[username]; ok {
		return nil
	}
	if l.file == nil {
		return fmt.Errorf("log file is closed")
	}
	if _, err := l.file.WriteString(username + "\n"); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	l.known[username] = struct{}{}
	l.order = append(l.order, username)
	return nil
}
