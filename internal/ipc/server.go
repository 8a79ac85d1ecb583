package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"haul/internal/coordinator"
	"haul/internal/daemon"
	"haul/internal/logging"
	"haul/internal/scheduler"
	"haul/internal/services"
	"haul/internal/transfer"
)

// ServiceName prefixes every RPC method.
const ServiceName = "Haul"

const (
	defaultWatchWait = 2 * time.Second
	maxWatchWait     = 30 * time.Second
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.Event("ipc_accept_failed"),
					logging.Impact("IPC clients may fail to connect"),
					logging.Hint("Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.Event("ipc_socket_cleanup_failed"),
			logging.Impact("stale IPC socket may block future starts"),
			logging.Hint("Remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

// call scopes a request with an id for log correlation.
func (s *service) call(method string) (context.Context, *slog.Logger) {
	ctx := services.WithRequestID(s.ctx, uuid.NewString())
	logger := logging.WithContext(ctx, s.logger).With(logging.String("method", method))
	return ctx, logger
}

// wireError keeps the marker text at the front of the message so the client
// can restore it.
func wireError(logger *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	logger.Debug("rpc failed", logging.String("error_kind", services.Kind(err)), logging.Error(err))
	return errors.New(err.Error())
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	ctx, logger := s.call("submit")
	lane, err := scheduler.ParseLane(req.Lane)
	if err != nil {
		return wireError(logger, err)
	}
	remote := strings.TrimSpace(req.RemotePath)
	if remote == "" && strings.TrimSpace(req.PeerID) != "" {
		remote = strings.TrimSpace(req.ID)
	}
	coord := s.daemon.Coordinator()
	id, err := coord.Submit(ctx, coordinator.Request{
		ID:         req.ID,
		Lane:       lane,
		FinalPath:  req.FinalPath,
		Source:     transfer.Ref{PeerID: strings.TrimSpace(req.PeerID), Path: remote},
		Checksum:   req.Checksum,
		TotalBytes: req.TotalBytes,
	})
	if err != nil && !errors.Is(err, services.ErrSourceExhausted) {
		return wireError(logger, err)
	}
	if snap, ok := coord.Snapshot(id); ok {
		resp.Item = snap
	}
	if err != nil {
		return wireError(logger, err)
	}
	logger.Info("transfer submitted via IPC",
		logging.String(logging.FieldItemID, id),
		logging.Event("ipc_submit"))
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	ctx, logger := s.call("cancel")
	coord := s.daemon.Coordinator()
	if err := coord.Cancel(ctx, strings.TrimSpace(req.ID)); err != nil {
		return wireError(logger, err)
	}
	if snap, ok := coord.Snapshot(req.ID); ok {
		resp.Item = snap
	}
	logger.Info("transfer cancelled via IPC",
		logging.String(logging.FieldItemID, req.ID),
		logging.Event("ipc_cancel"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, _ := s.call("status")
	status := s.daemon.Status(ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.LockPath = status.LockPath
	resp.JournalPath = status.JournalPath
	resp.DeadLetterPath = status.DeadLetterPath
	resp.TotalSlots = status.Scheduler.Total
	resp.Lanes = laneUsage(status.Scheduler)
	resp.JournalStages = make(map[string]int, len(status.JournalStages))
	for stage, count := range status.JournalStages {
		resp.JournalStages[string(stage)] = count
	}
	resp.ItemStates = make(map[string]int)
	for _, snap := range s.daemon.Coordinator().List() {
		resp.ItemStates[string(snap.State)]++
	}
	resp.Bans = status.Bans
	resp.DeadLetters = status.DeadLetters
	resp.StagingFiles = status.StagingFiles
	resp.StagingBytes = status.StagingBytes
	resp.Resumed = status.Recovery.Resumed
	resp.Restarted = status.Recovery.Restarted
	for _, check := range status.Preflight {
		resp.Checks = append(resp.Checks, CheckResult{Name: check.Name, Passed: check.Passed, Detail: check.Detail})
	}
	resp.LastError = status.LastError
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	wanted := make(map[coordinator.State]struct{}, len(req.States))
	for _, state := range req.States {
		state = strings.ToLower(strings.TrimSpace(state))
		if state != "" {
			wanted[coordinator.State(state)] = struct{}{}
		}
	}
	resp.Items = make([]Item, 0)
	for _, snap := range s.daemon.Coordinator().List() {
		if len(wanted) > 0 {
			if _, ok := wanted[snap.State]; !ok {
				continue
			}
		}
		resp.Items = append(resp.Items, snap)
	}
	return nil
}

func (s *service) Describe(req DescribeRequest, resp *DescribeResponse) error {
	_, logger := s.call("describe")
	snap, ok := s.daemon.Coordinator().Snapshot(strings.TrimSpace(req.ID))
	if !ok {
		return wireError(logger, services.Wrap(services.ErrNotFound, "ipc", "describe", req.ID, nil))
	}
	resp.Item = snap
	return nil
}

// Watch long-polls for snapshot changes newer than req.After. Repeated
// updates of one item collapse into the latest snapshot.
func (s *service) Watch(req WatchRequest, resp *WatchResponse) error {
	ctx, logger := s.call("watch")
	id := strings.TrimSpace(req.ID)
	coord := s.daemon.Coordinator()
	if id != "" {
		if _, ok := coord.Snapshot(id); !ok {
			return wireError(logger, services.Wrap(services.ErrNotFound, "ipc", "watch", id, nil))
		}
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 {
		wait = defaultWatchWait
	}
	wait = min(wait, maxWatchWait)

	updates, stop := coord.Observe(id)
	defer stop()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	latest := make(map[string]int)
	resp.Items = make([]Item, 0)
	record := func(snap Item) {
		if !snap.UpdatedAt.After(req.After) {
			return
		}
		if i, ok := latest[snap.ID]; ok {
			resp.Items[i] = snap
			return
		}
		latest[snap.ID] = len(resp.Items)
		resp.Items = append(resp.Items, snap)
	}
	for len(resp.Items) == 0 {
		select {
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			record(snap)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			record(snap)
		default:
			return nil
		}
	}
}

func (s *service) DeadLetters(_ DeadLettersRequest, resp *DeadLettersResponse) error {
	_, logger := s.call("deadletters")
	records, err := s.daemon.Coordinator().ListDeadLetters()
	if err != nil {
		return wireError(logger, err)
	}
	resp.Records = records
	if resp.Records == nil {
		resp.Records = []DeadLetter{}
	}
	return nil
}

func (s *service) Acknowledge(req AcknowledgeRequest, resp *AcknowledgeResponse) error {
	ctx, logger := s.call("acknowledge")
	if err := s.daemon.Coordinator().Acknowledge(ctx, strings.TrimSpace(req.ID)); err != nil {
		return wireError(logger, err)
	}
	resp.Acknowledged = true
	logger.Info("dead letter acknowledged via IPC",
		logging.String(logging.FieldItemID, req.ID),
		logging.Event("ipc_acknowledge"))
	return nil
}
