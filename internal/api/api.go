// Package api implements the management surface of the steward daemon:
// a JSON REST API served over a unix socket and optionally TCP, an SSE
// event stream, Prometheus metrics, and health probes.
//
// Handlers run on their own goroutines. Every mutating call is handed
// to the supervisor loop by the ProcessManager/GroupManager
// implementation, so the api package itself holds no process state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/stewardteam/steward/internal/config"
	"github.com/stewardteam/steward/internal/events"
)

// ProcessInfo is the wire representation of a managed process.
type ProcessInfo struct {
	Name        string `json:"name"`
	Group       string `json:"group"`
	State       string `json:"state"`
	StateCode   int    `json:"statecode"`
	PID         int    `json:"pid"`
	Uptime      int64  `json:"uptime"`
	SpawnErr    string `json:"spawnerr,omitempty"`
	ExitStatus  *int   `json:"exitstatus,omitempty"`
	Description string `json:"description"`
}

// GroupInfo is the wire representation of a process group or listener
// pool.
type GroupInfo struct {
	Name      string   `json:"name"`
	Priority  int      `json:"priority"`
	Listener  bool     `json:"listener"`
	Processes []string `json:"processes"`
}

// StatusInfo is the wire representation of the daemon itself.
type StatusInfo struct {
	State     string         `json:"state"`
	PID       int            `json:"pid"`
	Version   string         `json:"version"`
	Processes map[string]int `json:"processes"`
}

// ProcessManager is the per-process half of the management interface.
type ProcessManager interface {
	List() []ProcessInfo
	Get(name string) (ProcessInfo, error)
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Signal(name, signal string) error
	WriteStdin(name string, data []byte) error
	ReadLog(name, stream string, n int) ([]byte, error)
}

// GroupManager is the group half of the management interface.
type GroupManager interface {
	ListGroups() []GroupInfo
	StartGroup(name string) error
	StopGroup(name string) error
	RestartGroup(name string) error
}

// DaemonInfo exposes daemon-level state and the shutdown trigger.
type DaemonInfo interface {
	State() string
	PID() int
	Version() map[string]string
	Shutdown()
}

// Server serves the management API on a unix socket and, when
// configured, a TCP listener sharing the same mux.
type Server struct {
	cfg       config.ServerConfig
	processes ProcessManager
	groups    GroupManager
	daemon    DaemonInfo
	bus       *events.Bus
	logger    *slog.Logger
	metricsH  http.Handler

	mux        *http.ServeMux
	unixServer *http.Server
	tcpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) { s.metricsH = handler }
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, procs ProcessManager, groups GroupManager, daemon DaemonInfo, bus *events.Bus, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		processes: procs,
		groups:    groups,
		daemon:    daemon,
		bus:       bus,
		logger:    logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/processes", s.handleListProcesses)
	mux.HandleFunc("GET /api/v1/processes/{name}", s.handleGetProcess)
	mux.HandleFunc("POST /api/v1/processes/{name}/start", s.handleStartProcess)
	mux.HandleFunc("POST /api/v1/processes/{name}/stop", s.handleStopProcess)
	mux.HandleFunc("POST /api/v1/processes/{name}/restart", s.handleRestartProcess)
	mux.HandleFunc("POST /api/v1/processes/{name}/signal", s.handleSignalProcess)
	mux.HandleFunc("POST /api/v1/processes/{name}/stdin", s.handleProcessStdin)
	mux.HandleFunc("GET /api/v1/processes/{name}/log", s.handleProcessLog)

	mux.HandleFunc("GET /api/v1/groups", s.handleListGroups)
	mux.HandleFunc("POST /api/v1/groups/{name}/start", s.handleStartGroup)
	mux.HandleFunc("POST /api/v1/groups/{name}/stop", s.handleStopGroup)
	mux.HandleFunc("POST /api/v1/groups/{name}/restart", s.handleRestartGroup)

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("POST /api/v1/shutdown", s.handleShutdown)
	mux.HandleFunc("GET /api/v1/events/stream", s.handleEventStream)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}

	return mux
}

// Handler returns the fully-wired handler including auth. Exposed for
// tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.requireAuth(s.mux)
}

// Serve listens on the configured unix socket, plus TCP when enabled,
// and serves until ctx is canceled. A stale socket file from a previous
// run is removed first.
func (s *Server) Serve(ctx context.Context) error {
	handler := s.Handler()

	unixLis, err := s.listenUnix()
	if err != nil {
		return err
	}
	s.unixServer = &http.Server{Handler: handler}

	var tcpLis net.Listener
	if s.cfg.HTTP.Enabled {
		tcpLis, err = net.Listen("tcp", s.cfg.HTTP.Listen)
		if err != nil {
			unixLis.Close()
			return fmt.Errorf("listening on %s: %w", s.cfg.HTTP.Listen, err)
		}
		if strings.HasPrefix(s.cfg.HTTP.Listen, "0.0.0.0") || strings.HasPrefix(s.cfg.HTTP.Listen, ":") {
			s.logger.Warn("HTTP API bound to all interfaces; consider 127.0.0.1", "listen", s.cfg.HTTP.Listen)
		}
		if s.cfg.HTTP.Username == "" {
			s.logger.Warn("HTTP API has no authentication configured", "listen", s.cfg.HTTP.Listen)
		}
		s.tcpServer = &http.Server{Handler: handler}
		s.logger.Info("HTTP API listening", "addr", tcpLis.Addr().String())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.unixServer.Serve(unixLis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if s.tcpServer != nil {
		srv, lis := s.tcpServer, tcpLis
		g.Go(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.unixServer.Shutdown(shutdownCtx)
		if s.tcpServer != nil {
			s.tcpServer.Shutdown(shutdownCtx)
		}
		os.Remove(s.cfg.Unix.File)
		return nil
	})
	return g.Wait()
}

func (s *Server) listenUnix() (net.Listener, error) {
	path := s.cfg.Unix.File
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	mode := os.FileMode(0o700)
	if s.cfg.Unix.Chmod != "" {
		parsed, err := strconv.ParseUint(s.cfg.Unix.Chmod, 8, 32)
		if err != nil {
			lis.Close()
			return nil, fmt.Errorf("invalid socket chmod %q: %w", s.cfg.Unix.Chmod, err)
		}
		mode = os.FileMode(parsed)
	}
	if err := os.Chmod(path, mode); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	s.logger.Info("unix API listening", "path", path, "mode", fmt.Sprintf("%04o", mode))
	return lis, nil
}

// removeStaleSocket unlinks a leftover socket file so a restarted
// daemon can bind. A live daemon still holds its listener, so a
// connectable socket means another instance is running.
func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	conn, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%s is in use by another instance", path)
	}
	return os.Remove(path)
}

// requireAuth enforces basic auth on TCP connections when a username is
// configured. Unix socket connections are authenticated by filesystem
// permissions and always pass.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HTTP.Username == "" || isUnixConn(r) {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.HTTP.Username || !checkPassword(s.cfg.HTTP.PasswordHash, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="steward"`)
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isUnixConn detects a request that arrived over the unix socket. The
// net/http RemoteAddr for a unix peer is "@" or empty.
func isUnixConn(r *http.Request) bool {
	return r.RemoteAddr == "" || r.RemoteAddr == "@"
}

func checkPassword(hash, password string) bool {
	if !strings.HasPrefix(hash, "$2") {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processes.List())
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	info, err := s.processes.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.processes.Start)
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.processes.Stop)
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.processes.Restart)
}

func (s *Server) processAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	name := r.PathValue("name")
	if err := action(name); err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok", "name": name})
}

func (s *Server) handleSignalProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Signal == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"signal": "NAME"}`))
		return
	}
	name := r.PathValue("name")
	if err := s.processes.Signal(name, body.Signal); err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok", "name": name})
}

func (s *Server) handleProcessStdin(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := r.PathValue("name")
	if err := s.processes.WriteStdin(name, data); err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok", "name": name, "bytes": len(data)})
}

func (s *Server) handleProcessLog(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	n := 4096
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid bytes parameter %q", raw))
			return
		}
		n = parsed
	}
	data, err := s.processes.ReadLog(r.PathValue("name"), stream, n)
	if err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.groups.ListGroups())
}

func (s *Server) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	s.groupAction(w, r, s.groups.StartGroup)
}

func (s *Server) handleStopGroup(w http.ResponseWriter, r *http.Request) {
	s.groupAction(w, r, s.groups.StopGroup)
}

func (s *Server) handleRestartGroup(w http.ResponseWriter, r *http.Request) {
	s.groupAction(w, r, s.groups.RestartGroup)
}

func (s *Server) groupAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	name := r.PathValue("name")
	if err := action(name); err != nil {
		writeError(w, classifyError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok", "group": name})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, p := range s.processes.List() {
		counts[p.State]++
	}
	writeJSON(w, http.StatusOK, StatusInfo{
		State:     s.daemon.State(),
		PID:       s.daemon.PID(),
		Version:   s.daemon.Version()["version"],
		Processes: counts,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Version())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested over API", "remote", r.RemoteAddr)
	s.daemon.Shutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "shutting down"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": s.daemon.State()})
}

// handleReadyz answers 200 once the daemon is running and no process is
// still starting up.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.daemon.State() != "RUNNING" {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("daemon is %s", s.daemon.State()))
		return
	}
	for _, p := range s.processes.List() {
		if p.State == "STARTING" || p.State == "BACKOFF" {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("process %s is %s", p.Name, p.State))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "ready"})
}

// handleEventStream serves the event bus as server-sent events. Bus
// handlers run on the supervisor loop, so delivery into the stream is a
// non-blocking channel send; a slow consumer loses events rather than
// stalling the daemon.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch := make(chan streamFrame, 64)
	id := s.bus.Subscribe(events.Any, func(ev events.Event) {
		frame := streamFrame{name: ev.Type().Name(), data: streamPayload(ev)}
		select {
		case ch <- frame:
		default:
		}
	})
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.name, frame.data)
			flusher.Flush()
		}
	}
}

type streamFrame struct {
	name string
	data []byte
}

// streamPayload renders an event's fields as JSON for the SSE stream.
func streamPayload(ev events.Event) []byte {
	fields := map[string]any{}
	switch e := ev.(type) {
	case *events.ProcessStateChangeEvent:
		fields["process"] = e.Process.Name()
		fields["from"] = e.From.String()
		fields["to"] = e.To.String()
	case *events.ProcessCommunicationEvent:
		fields["process"] = e.Process.Name()
		fields["channel"] = e.Channel
		fields["data"] = e.Data
	case *events.EventBufferOverflowEvent:
		fields["pool"] = e.Group.Name()
		fields["discarded"] = e.Event.Type().Name()
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// classifyError maps management errors to HTTP status codes by their
// diagnostic text. The process layer returns plain errors, not typed
// ones, so string matching is the contract here.
func classifyError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such process"), strings.Contains(msg, "no such group"):
		return http.StatusNotFound
	case strings.Contains(msg, "already"):
		return http.StatusConflict
	case strings.Contains(msg, "not running"),
		strings.Contains(msg, "wasn't running"),
		strings.Contains(msg, "invalid signal"),
		strings.Contains(msg, "unknown signal"),
		strings.Contains(msg, "not accepting input"),
		strings.Contains(msg, "has no stdin"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
