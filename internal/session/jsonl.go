package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// jsonlBackend stores records one per line. Every mutation rewrites the file
// through a temp file and rename, so readers never observe a partial write.
// Paths ending in ".zst" are zstd-framed.
type jsonlBackend struct {
	path string
}

func newJSONLBackend(path string) *jsonlBackend {
	return &jsonlBackend{path: path}
}

func (b *jsonlBackend) Kind() BackendKind {
	return BackendJSONL
}

func (b *jsonlBackend) Load(_ context.Context) (State, error) {
	return readLogFile(b.path)
}

// Append rewrites the whole log; the append-only contract is about the record
// model, not the physical write.
func (b *jsonlBackend) Append(ctx context.Context, st State, _ []Entry) error {
	return b.Persist(ctx, st)
}

func (b *jsonlBackend) Persist(_ context.Context, st State) error {
	return writeLogFileAtomic(b.path, st)
}

func (b *jsonlBackend) Close() error {
	return nil
}

func isCompressedPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zst")
}

// readLogFile loads a JSONL (or zstd JSONL) log. A missing file is empty.
func readLogFile(path string) (State, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{SchemaVersion: SchemaVersion, NextID: 1}, nil
		}
		return State{}, ioError(path, "failed to open session file", err)
	}
	defer file.Close()

	var r io.Reader = file
	if isCompressedPath(path) {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return State{}, ioError(path, "failed to open zstd stream", err)
		}
		defer decoder.Close()
		r = decoder
	}

	st, err := decodeRecords(r, path)
	if err != nil {
		return State{}, err
	}
	st.NextID = effectiveNextID(st.NextID, st.Entries)
	return st, nil
}

// writeLogFileAtomic replaces the log at path with st.
func writeLogFileAtomic(path string, st State) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return writeLogStream(w, path, st)
	})
}

// writeFileAtomic writes through fill into a temp file in the destination
// directory, fsyncs it and renames it over path.
func writeFileAtomic(path string, fill func(w io.Writer) error) error {
	parent := filepath.Dir(path)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return ioError(path, "failed to create directory", err)
		}
	}

	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioError(path, "failed to create temp file", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return ioError(tempPath, "failed to sync temp file", err)
	}
	if err := tempFile.Chmod(0o644); err != nil {
		_ = tempFile.Close()
		return ioError(tempPath, "failed to chmod temp file", err)
	}
	if err := tempFile.Close(); err != nil {
		return ioError(tempPath, "failed to close temp file", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return ioError(path, "failed to replace file", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return ioError(path, "failed to remove file before rename", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return ioError(path, "failed to replace file", renameErr)
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func writeLogStream(w io.Writer, path string, st State) error {
	buffered := bufio.NewWriter(w)

	if !isCompressedPath(path) {
		if err := encodeRecords(buffered, st); err != nil {
			return serializationError(path, "failed to encode records", err)
		}
		if err := buffered.Flush(); err != nil {
			return ioError(path, "failed to write records", err)
		}
		return nil
	}

	encoder, err := zstd.NewWriter(buffered)
	if err != nil {
		return ioError(path, "failed to create zstd writer", err)
	}
	if err := encodeRecords(encoder, st); err != nil {
		_ = encoder.Close()
		return serializationError(path, "failed to encode records", err)
	}
	if err := encoder.Close(); err != nil {
		return ioError(path, "failed to finish zstd stream", err)
	}
	if err := buffered.Flush(); err != nil {
		return ioError(path, fmt.Sprintf("failed to write %s", filepath.Base(path)), err)
	}
	return nil
}
