package localfs_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"

	"haul/internal/services"
	"haul/internal/source/localfs"
	"haul/internal/transfer"
)

func newMirror(t *testing.T) (*localfs.Mirror, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/peers/a/music/song.flac", []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := afero.WriteFile(fs, "/peers/b/music/song.flac", []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fs.MkdirAll("/peers/c", 0o755); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return localfs.New(fs, map[string]string{"a": "/peers/a", "b": "/peers/b", "c": "/peers/c", "": "/ignored"}, nil), fs
}

func TestOpenFromOffset(t *testing.T) {
	m, _ := newMirror(t)
	s, err := m.Open(context.Background(), transfer.Ref{PeerID: "a", Path: "music/song.flac"}, 4)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "456789" || s.Size() != 10 || !s.QueuePosition().IsActive() {
		t.Fatalf("unexpected stream data=%q size=%d", data, s.Size())
	}
}

func TestOpenErrors(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	if _, err := m.Open(ctx, transfer.Ref{PeerID: "c", Path: "music/song.flac"}, 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Open(ctx, transfer.Ref{PeerID: "zzz", Path: "x"}, 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected unknown peer not found, got %v", err)
	}
	if _, err := m.Open(ctx, transfer.Ref{PeerID: "a", Path: "music/song.flac"}, 11); !errors.Is(err, transfer.ErrResumeUnsupported) {
		t.Fatalf("expected resume unsupported, got %v", err)
	}
}

func TestPathsStayInsideRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/secret", []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := localfs.New(fs, map[string]string{"a": "/peers/a"}, nil)
	if _, err := m.Open(context.Background(), transfer.Ref{PeerID: "a", Path: "../../secret"}, 0); err == nil {
		t.Fatal("expected traversal to be confined to the mirror root")
	}
}

func TestFindAlternativeSkipsExcluded(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()
	hint := transfer.Ref{PeerID: "a", Path: "music/song.flac"}

	ref, ok, err := m.FindAlternative(ctx, "song", hint, map[string]struct{}{"a": {}})
	if err != nil || !ok || ref.PeerID != "b" {
		t.Fatalf("expected peer b, got %v ok=%v err=%v", ref, ok, err)
	}
	_, ok, err = m.FindAlternative(ctx, "song", hint, map[string]struct{}{"a": {}, "b": {}})
	if err != nil || ok {
		t.Fatalf("expected no alternative, got ok=%v err=%v", ok, err)
	}
	if peers := m.Peers(); len(peers) != 3 {
		t.Fatalf("expected blank peer ignored, got %v", peers)
	}
}

func TestFindAlternativeUsesItemIDWithoutHint(t *testing.T) {
	m, _ := newMirror(t)
	ref, ok, err := m.FindAlternative(context.Background(), "music/song.flac", transfer.Ref{}, nil)
	if err != nil || !ok || ref.PeerID != "a" || ref.Path != "music/song.flac" {
		t.Fatalf("unexpected result %v ok=%v err=%v", ref, ok, err)
	}
}

func TestReadStopsOnCancel(t *testing.T) {
	m, _ := newMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Open(ctx, transfer.Ref{PeerID: "b", Path: "music/song.flac"}, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	cancel()
	if _, err := s.Read(make([]byte, 4)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
