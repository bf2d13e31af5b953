// Package journal keeps the page snapshots that changed the store in
// rotating JSONL files, so they can be replayed after the extractors change.
package journal

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxEntriesPerFile and MaxFileAge trigger a rotation.
	MaxEntriesPerFile = 500
	MaxFileAge        = 1 * time.Hour

	activeDir = "active"
	sealedDir = "sealed"
)

// Entry is one journaled snapshot.
type Entry struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	ID   string    `json:"id"`
	HTML string    `json:"html"`
}

// Journal appends entries to the active file and seals it, gzip compressed,
// once it is full or old.
type Journal struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	activeDir string
	sealedDir string

	file     *os.File
	writer   *bufio.Writer
	path     string
	entries  int
	openedAt time.Time
	seq      int
}

// Open creates the directory layout under baseDir. Files left active by a
// previous process are sealed first.
func Open(baseDir string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		logger:    logger.With(slog.String("component", "journal")),
		now:       time.Now,
		activeDir: filepath.Join(baseDir, activeDir),
		sealedDir: filepath.Join(baseDir, sealedDir),
	}
	for _, dir := range []string{j.activeDir, j.sealedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	leftovers, err := filepath.Glob(filepath.Join(j.activeDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	for _, path := range leftovers {
		if err := j.seal(path); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Append journals one snapshot.
func (j *Journal) Append(kind, id, html string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil || j.shouldRotate() {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(Entry{At: j.now().UTC(), Kind: kind, ID: id, HTML: html})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	j.entries++
	return nil
}

func (j *Journal) shouldRotate() bool {
	return j.entries >= MaxEntriesPerFile || j.now().Sub(j.openedAt) >= MaxFileAge
}

// rotate seals the active file, if any, and opens a new one.
func (j *Journal) rotate() error {
	if err := j.closeActive(); err != nil {
		return err
	}

	j.seq++
	name := fmt.Sprintf("observations_%s_%04d.jsonl", j.now().UTC().Format("2006-01-02_15-04-05"), j.seq)
	j.path = filepath.Join(j.activeDir, name)
	file, err := os.Create(j.path)
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriterSize(file, 64*1024)
	j.entries = 0
	j.openedAt = j.now()
	j.logger.Debug("opened journal file", slog.String("file", name))
	return nil
}

func (j *Journal) closeActive() error {
	if j.file == nil {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	path, entries := j.path, j.entries
	j.file, j.writer = nil, nil

	if entries == 0 {
		return os.Remove(path)
	}
	return j.seal(path)
}

// seal compresses an active file into the sealed directory.
func (j *Journal) seal(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	sealedPath := filepath.Join(j.sealedDir, filepath.Base(path)+".gz")
	dst, err := os.Create(sealedPath)
	if err != nil {
		return fmt.Errorf("failed to create sealed file: %w", err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return fmt.Errorf("failed to compress %s: %w", filepath.Base(path), err)
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	j.logger.Info("sealed journal file", slog.String("file", filepath.Base(sealedPath)))
	return nil
}

// Close seals the active file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeActive()
}

// Files lists the journal files under baseDir, oldest first: sealed files,
// then whatever is still active.
func Files(baseDir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{
		filepath.Join(baseDir, sealedDir, "*.jsonl.gz"),
		filepath.Join(baseDir, activeDir, "*.jsonl"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

// ErrStop ends a replay early without an error.
var ErrStop = errors.New("stop replay")

// Replay calls fn for every entry under baseDir in journal order.
// Lines that cannot be decoded are skipped.
func Replay(baseDir string, fn func(Entry) error) (int, error) {
	files, err := Files(baseDir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		count, err := replayFile(path, fn)
		n += count
		if errors.Is(err, ErrStop) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func replayFile(path string, fn func(Entry) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	n := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if err := fn(e); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
