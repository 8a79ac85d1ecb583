package fileutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// OSFs is afero's OS filesystem with hard-link support, which lets the
// atomic writer keep a link backup of the target during a swap.
type OSFs struct {
	afero.OsFs
}

// NewOSFs returns the production filesystem.
func NewOSFs() afero.Fs {
	return OSFs{}
}

// Link creates newname as a hard link to oldname.
func (OSFs) Link(oldname, newname string) error {
	return os.Link(oldname, newname)
}

// Linker is implemented by filesystems that support hard links.
type Linker interface {
	Link(oldname, newname string) error
}

// CopyFileVerified streams src to dst with SHA256 + size integrity verification.
// Removes dst on mismatch.
func CopyFileVerified(fs afero.Fs, src, dst string) error {
	srcInfo, err := fs.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	srcSize := srcInfo.Size()

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	tee := io.TeeReader(in, srcHasher)
	multi := io.MultiWriter(out, dstHasher)

	written, err := io.Copy(multi, tee)
	if err != nil {
		_ = fs.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = fs.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(dst)
		return err
	}

	if written != srcSize {
		_ = fs.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcSize, written)
	}

	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		_ = fs.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return nil
}

// FileSHA256 returns the hex digest of path.
func FileSHA256(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
