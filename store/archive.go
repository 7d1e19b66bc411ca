package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brensch/breadrl/learner"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// batchFile is one parquet file being written under tmp/. It only appears
// in the output directory once finalized.
type batchFile struct {
	tmpPath string
	outPath string

	file   *os.File
	writer *parquet.GenericWriter[TransitionRow]

	batches int
	rows    int
}

func openBatchFile(outDir, tmpDir string) (*batchFile, error) {
	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}

	w := parquet.NewGenericWriter[TransitionRow](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("state"),
	)
	w.SetKeyValueMetadata("schema", TransitionSchema)

	return &batchFile{
		tmpPath: tmpPath,
		outPath: filepath.Join(outDir, name),
		file:    f,
		writer:  w,
	}, nil
}

// finalize closes the parquet writer and moves the file from tmp/ to the
// output directory. A file with no rows is removed and outPath is empty.
func (b *batchFile) finalize() (outPath string, rows int, err error) {
	closeErr := b.writer.Close()
	_ = b.file.Sync()
	fileErr := b.file.Close()
	if closeErr != nil {
		return "", 0, fmt.Errorf("close parquet writer: %w", closeErr)
	}
	if fileErr != nil {
		return "", 0, fmt.Errorf("close parquet file: %w", fileErr)
	}
	if b.rows == 0 {
		_ = os.Remove(b.tmpPath)
		return "", 0, nil
	}
	if err := os.Rename(b.tmpPath, b.outPath); err != nil {
		return "", 0, fmt.Errorf("rename parquet: %w", err)
	}
	return b.outPath, b.rows, nil
}

// ArchiveWriter stores every trained batch as parquet rows. Files rotate
// after BatchesPerFile batches; Close finalizes the open file.
type ArchiveWriter struct {
	mu     sync.Mutex
	logger *slog.Logger

	runID          string
	outDir         string
	tmpDir         string
	batchesPerFile int

	current *batchFile
	files   []string
}

// NewArchiveWriter prepares outDir and its tmp/ staging directory. Files are
// only created once the first batch arrives.
func NewArchiveWriter(outDir, runID string, batchesPerFile int, logger *slog.Logger) (*ArchiveWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}
	if batchesPerFile <= 0 {
		batchesPerFile = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	return &ArchiveWriter{
		logger:         logger,
		runID:          runID,
		outDir:         absOut,
		tmpDir:         tmpDir,
		batchesPerFile: batchesPerFile,
	}, nil
}

// Dir is the absolute directory finished files are moved into.
func (w *ArchiveWriter) Dir() string { return w.outDir }

// Files lists the archive files finalized so far.
func (w *ArchiveWriter) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

// ArchiveBatch appends the written slots of buf and rotates the file once it
// holds enough batches.
func (w *ArchiveWriter) ArchiveBatch(trainStep int, buf *learner.Buffer) error {
	rows := RowsFromBuffer(w.runID, trainStep, buf)
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		f, err := openBatchFile(w.outDir, w.tmpDir)
		if err != nil {
			return err
		}
		w.current = f
	}
	if _, err := w.current.writer.Write(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.current.rows += len(rows)
	w.current.batches++

	if w.current.batches >= w.batchesPerFile {
		return w.rotateLocked()
	}
	return nil
}

// Flush finalizes the open file, if any, without closing the writer.
func (w *ArchiveWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close finalizes the open file. The writer may still be used afterwards.
func (w *ArchiveWriter) Close() error { return w.Flush() }

func (w *ArchiveWriter) rotateLocked() error {
	if w.current == nil {
		return nil
	}
	batches := w.current.batches
	path, rows, err := w.current.finalize()
	w.current = nil
	if err != nil {
		return err
	}
	if path != "" {
		w.files = append(w.files, path)
		w.logger.Info("archived transitions", "path", path, "rows", rows, "batches", batches)
	}
	return nil
}
