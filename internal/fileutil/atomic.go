package fileutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"haul/internal/services"
)

const (
	// TempSuffix marks a file being written next to its target.
	TempSuffix = ".tmp"
	// BackupSuffix marks the previous target kept during a swap.
	BackupSuffix = ".bak"
)

// Verifier checks a fully written file before it replaces the target.
type Verifier func(fs afero.Fs, path string) error

// Writer places files at their final path so that a reader never observes a
// partial file: either the old content or the new content is visible.
type Writer struct {
	fs afero.Fs
}

// NewWriter returns a Writer operating on fs.
func NewWriter(fs afero.Fs) *Writer {
	if fs == nil {
		fs = NewOSFs()
	}
	return &Writer{fs: fs}
}

// Fs exposes the underlying filesystem.
func (w *Writer) Fs() afero.Fs {
	return w.fs
}

// WriteAtomic writes target.tmp via write, fsyncs it, runs verify, and then
// swaps it into place. On any failure the target is left untouched and the
// temp file is removed.
func (w *Writer) WriteAtomic(target string, write func(io.Writer) error, verify Verifier) error {
	if err := w.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	tmp := target + TempSuffix

	success := false
	defer func() {
		if !success {
			_ = w.fs.Remove(tmp)
		}
	}()

	f, err := w.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if verify != nil {
		if err := verify(w.fs, tmp); err != nil {
			return services.Wrap(services.ErrVerificationFailed, "fileutil", "write", target, err)
		}
	}

	if err := w.commit(tmp, target); err != nil {
		return err
	}
	success = true
	return nil
}

// MoveAtomic consumes source and places it at target. The source is verified
// in place and renamed straight over the target, so until the swap lands it
// stays the only copy of the new bytes and an interruption leaves either the
// source or the new target. A cross-device source is copied into target.tmp
// with checksum verification and removed once the target is in place. When
// verify fails neither path is touched.
func (w *Writer) MoveAtomic(source, target string, verify Verifier) error {
	if _, err := w.fs.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "fileutil", "move", source, err)
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if err := w.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	if verify != nil {
		if err := verify(w.fs, source); err != nil {
			return services.Wrap(services.ErrVerificationFailed, "fileutil", "move", target, err)
		}
	}

	err := w.commit(source, target)
	if err == nil || !isCrossDevice(err) {
		return err
	}

	tmp := target + TempSuffix
	_ = w.fs.Remove(tmp)
	if err := CopyFileVerified(w.fs, source, tmp); err != nil {
		_ = w.fs.Remove(tmp)
		return fmt.Errorf("copy across devices: %w", err)
	}
	if err := w.commit(tmp, target); err != nil {
		_ = w.fs.Remove(tmp)
		return err
	}
	if err := w.fs.Remove(source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// commit swaps a verified file into target. With hard-link support the old
// target stays reachable through the backup link until the rename lands;
// otherwise the old target is renamed aside first and restored on failure.
func (w *Writer) commit(tmp, target string) error {
	if _, err := w.fs.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if err := w.fs.Rename(tmp, target); err != nil {
				return fmt.Errorf("rename into place: %w", err)
			}
			return nil
		}
		return fmt.Errorf("stat target: %w", err)
	}

	backup := target + BackupSuffix
	_ = w.fs.Remove(backup)

	if linker, ok := w.fs.(Linker); ok {
		if err := linker.Link(target, backup); err == nil {
			if err := w.fs.Rename(tmp, target); err != nil {
				_ = w.fs.Remove(backup)
				return fmt.Errorf("rename into place: %w", err)
			}
			_ = w.fs.Remove(backup)
			return nil
		}
	}

	if err := w.fs.Rename(target, backup); err != nil {
		return fmt.Errorf("move target aside: %w", err)
	}
	if err := w.fs.Rename(tmp, target); err != nil {
		if restoreErr := w.fs.Rename(backup, target); restoreErr != nil {
			return errors.Join(fmt.Errorf("rename into place: %w", err), fmt.Errorf("restore backup: %w", restoreErr))
		}
		return fmt.Errorf("rename into place: %w", err)
	}
	_ = w.fs.Remove(backup)
	return nil
}

// Recovery describes what Recover did to a target's debris.
type Recovery struct {
	RemovedTemp    bool
	RolledForward  bool
	RestoredBackup bool
	RemovedBackup  bool
}

// Changed reports whether any debris was found.
func (r Recovery) Changed() bool {
	return r.RemovedTemp || r.RolledForward || r.RestoredBackup || r.RemovedBackup
}

// Recover resolves debris left next to target by an interrupted write. A
// backup means a commit was in flight, so a surviving temp file is already
// verified and is rolled forward. A temp file without a backup may be partial
// and is removed.
func (w *Writer) Recover(target string) (Recovery, error) {
	var rec Recovery
	tmp := target + TempSuffix
	backup := target + BackupSuffix

	tmpExists, err := w.exists(tmp)
	if err != nil {
		return rec, err
	}
	backupExists, err := w.exists(backup)
	if err != nil {
		return rec, err
	}
	targetExists, err := w.exists(target)
	if err != nil {
		return rec, err
	}

	switch {
	case backupExists && tmpExists:
		if err := w.fs.Rename(tmp, target); err != nil {
			return rec, fmt.Errorf("roll forward %s: %w", target, err)
		}
		rec.RolledForward = true
		if err := w.fs.Remove(backup); err != nil {
			return rec, fmt.Errorf("remove backup %s: %w", backup, err)
		}
		rec.RemovedBackup = true
	case backupExists && targetExists:
		if err := w.fs.Remove(backup); err != nil {
			return rec, fmt.Errorf("remove backup %s: %w", backup, err)
		}
		rec.RemovedBackup = true
	case backupExists:
		if err := w.fs.Rename(backup, target); err != nil {
			return rec, fmt.Errorf("restore backup %s: %w", backup, err)
		}
		rec.RestoredBackup = true
	case tmpExists:
		if err := w.fs.Remove(tmp); err != nil {
			return rec, fmt.Errorf("remove temp %s: %w", tmp, err)
		}
		rec.RemovedTemp = true
	}
	return rec, nil
}

func (w *Writer) exists(path string) (bool, error) {
	_, err := w.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}

// SizeVerifier accepts files of exactly size bytes.
func SizeVerifier(size int64) Verifier {
	return func(fs afero.Fs, path string) error {
		info, err := fs.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch: expected %d bytes, found %d", size, info.Size())
		}
		return nil
	}
}

// ChecksumVerifier accepts files whose SHA256 hex digest equals want.
func ChecksumVerifier(want string) Verifier {
	want = strings.ToLower(strings.TrimSpace(want))
	return func(fs afero.Fs, path string) error {
		got, err := FileSHA256(fs, path)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("checksum mismatch: expected %s, found %s", want, got)
		}
		return nil
	}
}

// AllOf runs each non-nil verifier in order.
func AllOf(verifiers ...Verifier) Verifier {
	return func(fs afero.Fs, path string) error {
		for _, v := range verifiers {
			if v == nil {
				continue
			}
			if err := v(fs, path); err != nil {
				return err
			}
		}
		return nil
	}
}
