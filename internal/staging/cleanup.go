package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"haul/internal/fileutil"
	"haul/internal/logging"
)

// PartSuffix marks in-progress staging files.
const PartSuffix = ".part"

// CleanResult contains the outcome of a cleanup pass.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a file path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanOrphaned removes staging files that no journal record references.
// Files other than .part staging files are left alone.
// Files modified within grace are skipped so a transfer that is preparing
// concurrently keeps its data.
func CleanOrphaned(ctx context.Context, fs afero.Fs, stagingDir string, referenced map[string]struct{}, grace time.Duration, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	if fs == nil {
		fs = fileutil.NewOSFs()
	}
	logger = logging.NewComponentLogger(logger, "staging")

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	entries, err := afero.ReadDir(fs, stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-grace)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, PartSuffix) {
			continue
		}
		path := filepath.Join(stagingDir, name)
		if _, ok := referenced[path]; ok {
			continue
		}
		if grace > 0 && entry.ModTime().After(cutoff) {
			continue
		}

		if err := fs.Remove(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			logger.Warn("failed to remove orphaned staging file",
				logging.String("path", path),
				logging.Error(err),
				logging.Event("staging_cleanup_failed"),
				logging.Hint("check staging_dir permissions"),
				logging.Impact("disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, path)
		logger.Info("removed orphaned staging file",
			logging.String("path", path),
			logging.Int64("size_bytes", entry.Size()),
			logging.Event("staging_cleanup"),
		)
	}

	return result
}

// FileInfo contains metadata about a staging file.
type FileInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// ListFiles returns staging files, largest first.
func ListFiles(fs afero.Fs, stagingDir string) ([]FileInfo, error) {
	if fs == nil {
		fs = fileutil.NewOSFs()
	}
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, nil
	}

	entries, err := afero.ReadDir(fs, stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(stagingDir, entry.Name()),
			ModTime: entry.ModTime(),
			Size:    entry.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Size == files[j].Size {
			return files[i].Name < files[j].Name
		}
		return files[i].Size > files[j].Size
	})
	return files, nil
}

// TotalSize sums the sizes of files.
func TotalSize(files []FileInfo) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
