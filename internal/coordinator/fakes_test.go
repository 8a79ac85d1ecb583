package coordinator_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"haul/internal/deadletter"
	"haul/internal/journal"
	"haul/internal/services"
	"haul/internal/transfer"
)

type openCall struct {
	ref    transfer.Ref
	offset int64
}

// fakeSource serves in-memory content per ref. A ref can be made to block at
// a byte offset (a hold), block its next Open (a gate), fail once at an
// offset, refuse resumes, or be missing entirely.
type fakeSource struct {
	mu       sync.Mutex
	data     map[string][]byte
	holds    map[string]*hold
	gates    map[string]*gate
	failAt   map[string]int64
	noResume map[string]bool
	missing  map[string]bool
	opens    []openCall
}

type gate struct {
	release chan struct{}
	err     error
}

type hold struct {
	at      int64
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		data:     make(map[string][]byte),
		holds:    make(map[string]*hold),
		gates:    make(map[string]*gate),
		failAt:   make(map[string]int64),
		noResume: make(map[string]bool),
		missing:  make(map[string]bool),
	}
}

func (f *fakeSource) Add(ref transfer.Ref, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[ref.String()] = data
}

// Hold blocks reads of ref at offset until Release. A held stream never
// makes progress past offset, which the health monitor reads as a stall.
func (f *fakeSource) Hold(ref transfer.Ref, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[ref.String()] = &hold{at: offset, release: make(chan struct{})}
}

func (f *fakeSource) Release(ref transfer.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[ref.String()]; ok {
		close(h.release)
		delete(f.holds, ref.String())
	}
}

// GateOpen makes the next Open of ref block until the returned func is
// called, then fail with err.
func (f *fakeSource) GateOpen(ref transfer.Ref, err error) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{release: make(chan struct{}), err: err}
	f.gates[ref.String()] = g
	var once sync.Once
	return func() { once.Do(func() { close(g.release) }) }
}

func (f *fakeSource) FailOnceAt(ref transfer.Ref, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[ref.String()] = offset
}

func (f *fakeSource) Opens() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.opens...)
}

func (f *fakeSource) Open(ctx context.Context, ref transfer.Ref, offset int64) (transfer.Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, openCall{ref: ref, offset: offset})
	key := ref.String()
	if g, ok := f.gates[key]; ok {
		delete(f.gates, key)
		f.mu.Unlock()
		select {
		case <-g.release:
			return nil, g.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok || f.missing[key] {
		return nil, services.Wrap(services.ErrNotFound, "fake", "open", key, nil)
	}
	if offset > 0 && f.noResume[key] {
		return nil, transfer.ErrResumeUnsupported
	}
	s := &fakeStream{ctx: ctx, data: data, pos: offset, closed: make(chan struct{}), failAt: -1}
	if h, ok := f.holds[key]; ok {
		s.hold = h
	}
	if at, ok := f.failAt[key]; ok {
		s.failAt = at
		delete(f.failAt, key)
	}
	return s, nil
}

var errConnectionReset = errors.New("connection reset by peer")

type fakeStream struct {
	ctx       context.Context
	data      []byte
	pos       int64
	hold      *hold
	failAt    int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	if s.failAt >= 0 && s.pos >= s.failAt {
		s.failAt = -1
		return 0, errConnectionReset
	}
	limit := int64(len(s.data))
	if s.hold != nil {
		if s.pos >= s.hold.at {
			select {
			case <-s.hold.release:
				s.hold = nil
			case <-s.closed:
				return 0, errors.New("stream closed")
			case <-s.ctx.Done():
				return 0, s.ctx.Err()
			}
		} else {
			limit = s.hold.at
		}
	}
	if s.failAt >= 0 && s.failAt < limit {
		limit = s.failAt
	}
	n := copy(p, s.data[s.pos:limit])
	s.pos += int64(n)
	return n, nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Size() int64 {
	return int64(len(s.data))
}

func (s *fakeStream) QueuePosition() transfer.Position {
	return transfer.Active
}

// fakeFinder offers peers in order, all serving the same remote path.
type fakeFinder struct {
	mu    sync.Mutex
	peers []string
	calls int
}

func (f *fakeFinder) FindAlternative(_ context.Context, itemID string, hint transfer.Ref, exclude map[string]struct{}) (transfer.Ref, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	path := hint.Path
	if path == "" {
		path = itemID
	}
	for _, peer := range f.peers {
		if _, skip := exclude[peer]; skip {
			continue
		}
		return transfer.Ref{PeerID: peer, Path: path}, true, nil
	}
	return transfer.Ref{}, false, nil
}

var errDiskFull = errors.New("no space left on device")

// flakyJournal is a real journal whose writes can be made to fail.
type flakyJournal struct {
	*journal.Store
	failPrepare   atomic.Bool
	failHeartbeat atomic.Bool
	failCommit    atomic.Bool
	heartbeatErrs atomic.Int32
}

func (j *flakyJournal) Prepare(ctx context.Context, rec journal.Record) error {
	if j.failPrepare.Load() {
		return errDiskFull
	}
	return j.Store.Prepare(ctx, rec)
}

func (j *flakyJournal) HeartbeatUpdate(ctx context.Context, itemID string, bytesReceived int64) error {
	if j.failHeartbeat.Load() {
		j.heartbeatErrs.Add(1)
		return errDiskFull
	}
	return j.Store.HeartbeatUpdate(ctx, itemID, bytesReceived)
}

func (j *flakyJournal) Commit(ctx context.Context, itemID string) error {
	if j.failCommit.Load() {
		return errDiskFull
	}
	return j.Store.Commit(ctx, itemID)
}

// flakyDeadLetters is a real dead-letter log whose appends can be made to fail.
type flakyDeadLetters struct {
	*deadletter.Store
	failAppend atomic.Bool
}

func (d *flakyDeadLetters) Append(rec deadletter.Record) error {
	if d.failAppend.Load() {
		return errDiskFull
	}
	return d.Store.Append(rec)
}
