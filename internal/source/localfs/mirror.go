package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"haul/internal/config"
	"haul/internal/logging"
	"haul/internal/services"
	"haul/internal/transfer"
)

// Mirror serves items from local directories, one per peer. It implements
// both transfer.Source and transfer.Finder.
type Mirror struct {
	fs     afero.Fs
	roots  map[string]string
	peers  []string
	logger *slog.Logger
}

// New builds a mirror over peer -> directory roots.
func New(fs afero.Fs, roots map[string]string, logger *slog.Logger) *Mirror {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := &Mirror{
		fs:     fs,
		roots:  make(map[string]string, len(roots)),
		logger: logging.NewComponentLogger(logger, "localfs"),
	}
	for peer, root := range roots {
		peer = strings.TrimSpace(peer)
		if peer == "" || strings.TrimSpace(root) == "" {
			continue
		}
		m.roots[peer] = filepath.Clean(root)
		m.peers = append(m.peers, peer)
	}
	sort.Strings(m.peers)
	return m
}

// FromConfig builds a mirror from the sources section.
func FromConfig(cfg *config.Config, fs afero.Fs, logger *slog.Logger) *Mirror {
	return New(fs, cfg.Sources.Mirrors, logger)
}

// Peers lists configured peer ids in sorted order.
func (m *Mirror) Peers() []string {
	return append([]string(nil), m.peers...)
}

func (m *Mirror) resolve(ref transfer.Ref) (string, error) {
	root, ok := m.roots[ref.PeerID]
	if !ok {
		return "", services.Wrap(services.ErrNotFound, "localfs", "resolve", "unknown peer "+ref.PeerID, nil)
	}
	rel := filepath.Clean("/" + ref.Path)
	if rel == "/" {
		return "", services.Wrap(services.ErrValidation, "localfs", "resolve", "empty remote path", nil)
	}
	return filepath.Join(root, rel), nil
}

// Open opens ref positioned at offset.
func (m *Mirror) Open(ctx context.Context, ref transfer.Ref, offset int64) (transfer.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := m.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "localfs", "open", ref.String(), err)
		}
		return nil, services.Wrap(services.ErrTransient, "localfs", "open", ref.String(), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, services.Wrap(services.ErrTransient, "localfs", "stat", ref.String(), err)
	}
	size := info.Size()
	if offset > size {
		f.Close()
		return nil, fmt.Errorf("offset %d beyond size %d: %w", offset, size, transfer.ErrResumeUnsupported)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", ref, transfer.ErrResumeUnsupported)
		}
	}
	m.logger.Debug("mirror stream opened",
		logging.Peer(ref.PeerID),
		logging.String("path", path),
		logging.Int64("offset", offset),
		logging.Int64("size", size),
	)
	return &stream{ctx: ctx, file: f, size: size}, nil
}

// FindAlternative returns the first peer, in sorted order, that holds the
// item and is not excluded. The remote path comes from hint, or the item id
// when the hint is empty.
func (m *Mirror) FindAlternative(ctx context.Context, itemID string, hint transfer.Ref, exclude map[string]struct{}) (transfer.Ref, bool, error) {
	remote := hint.Path
	if remote == "" {
		remote = itemID
	}
	for _, peer := range m.peers {
		if err := ctx.Err(); err != nil {
			return transfer.Ref{}, false, err
		}
		if _, skip := exclude[peer]; skip {
			continue
		}
		candidate := transfer.Ref{PeerID: peer, Path: remote}
		path, err := m.resolve(candidate)
		if err != nil {
			return transfer.Ref{}, false, err
		}
		info, err := m.fs.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, true, nil
	}
	return transfer.Ref{}, false, nil
}

type stream struct {
	ctx  context.Context
	file afero.File
	size int64
}

func (s *stream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.file.Read(p)
}

func (s *stream) Close() error {
	return s.file.Close()
}

func (s *stream) Size() int64 {
	return s.size
}

func (s *stream) QueuePosition() transfer.Position {
	return transfer.Active
}
