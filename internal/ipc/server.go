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
	"path/filepath"
	"sync"
	"time"

	"kiln/internal/daemon"
	"kiln/internal/logging"
)

// DefaultRequestTimeout bounds each RPC handled by the server.
const DefaultRequestTimeout = 30 * time.Second

// Server exposes daemon operations via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ServerOption customizes a Server.
type ServerOption func(*service)

// WithRequestTimeout bounds the work done for one RPC.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure socket directory: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	svc := &service{daemon: d, logger: logger, ctx: serverCtx, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(svc)
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, svc); err != nil {
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

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

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
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
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

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

// Close stops the server, drops open connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun kiln daemon stop"))
	}
}

type service struct {
	daemon  *daemon.Daemon
	logger  *slog.Logger
	ctx     context.Context
	timeout time.Duration
}

// begin marks activity and scopes one request.
func (s *service) begin() (context.Context, context.CancelFunc) {
	s.daemon.Touch()
	return context.WithTimeout(s.ctx, s.timeout)
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, cancel := s.begin()
	defer cancel()
	status := s.daemon.Status(ctx)
	*resp = StatusResponse{
		Running:            status.Running,
		PID:                status.PID,
		Root:               status.Root,
		Socket:             status.Socket,
		LockPath:           status.LockPath,
		LogPath:            status.LogPath,
		HashDBPath:         status.HashDBPath,
		Packages:           status.Packages,
		TrackedFiles:       status.TrackedFiles,
		StoredFiles:        status.StoredFiles,
		Shards:             status.Shards,
		StartedAt:          status.StartedAt,
		LastActivity:       status.LastActivity,
		IdleTimeoutSeconds: int64(status.IdleTimeout / time.Second),
	}
	return nil
}

func (s *service) GetPackageGraph(_ PackageGraphRequest, resp *PackageGraphResponse) error {
	_, cancel := s.begin()
	defer cancel()
	snap, err := s.daemon.PackageGraph()
	if err != nil {
		return err
	}
	resp.Graph = snap
	return nil
}

func (s *service) DiscoverPackages(_ PackageGraphRequest, resp *PackageGraphResponse) error {
	_, cancel := s.begin()
	defer cancel()
	snap, err := s.daemon.DiscoverPackages()
	if err != nil {
		return err
	}
	resp.Graph = snap
	s.logger.Info("packages rediscovered via IPC",
		logging.String(logging.FieldEventType, "packages_discovered"),
		logging.Int("packages", len(snap.Packages)))
	return nil
}

func (s *service) NotifyFileChanged(req FileChangesRequest, resp *FileChangesResponse) error {
	ctx, cancel := s.begin()
	defer cancel()
	result, err := s.daemon.NotifyFileChanged(ctx, req.Paths)
	resp.Invalidated = result.Invalidated
	resp.Rediscovered = result.Rediscovered
	return err
}

func (s *service) GetFileHashes(req FileHashesRequest, resp *FileHashesResponse) error {
	ctx, cancel := s.begin()
	defer cancel()
	hashes, missing, err := s.daemon.FileHashes(ctx, req.Paths)
	if err != nil {
		return err
	}
	resp.Hashes = hashes
	resp.Missing = missing
	return nil
}

func (s *service) Shutdown(_ ShutdownRequest, resp *ShutdownResponse) error {
	s.logger.Info("daemon shutdown requested via IPC",
		logging.String(logging.FieldEventType, "daemon_shutdown"))
	s.daemon.RequestShutdown("shutdown requested")
	resp.Stopping = true
	return nil
}
