package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stewardteam/steward/internal/config"
	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/states"
)

type fakeProcs struct {
	procs     map[string]ProcessInfo
	started   []string
	stopped   []string
	restarted []string
	signals   map[string]string
	stdin     map[string][]byte
	logs      map[string][]byte
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		procs:   map[string]ProcessInfo{},
		signals: map[string]string{},
		stdin:   map[string][]byte{},
		logs:    map[string][]byte{},
	}
}

func (f *fakeProcs) List() []ProcessInfo {
	var out []ProcessInfo
	for _, p := range f.procs {
		out = append(out, p)
	}
	return out
}

func (f *fakeProcs) Get(name string) (ProcessInfo, error) {
	p, ok := f.procs[name]
	if !ok {
		return ProcessInfo{}, fmt.Errorf("no such process: %s", name)
	}
	return p, nil
}

func (f *fakeProcs) Start(name string) error {
	p, ok := f.procs[name]
	if !ok {
		return fmt.Errorf("no such process: %s", name)
	}
	if p.State == states.Running.String() {
		return fmt.Errorf("process %q already started", name)
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeProcs) Stop(name string) error {
	p, ok := f.procs[name]
	if !ok {
		return fmt.Errorf("no such process: %s", name)
	}
	if p.State != states.Running.String() {
		return fmt.Errorf("process %q not running", name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeProcs) Restart(name string) error {
	if _, ok := f.procs[name]; !ok {
		return fmt.Errorf("no such process: %s", name)
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeProcs) Signal(name, sig string) error {
	if _, ok := f.procs[name]; !ok {
		return fmt.Errorf("no such process: %s", name)
	}
	if sig == "BOGUS" {
		return fmt.Errorf("invalid signal: unknown signal %q", sig)
	}
	f.signals[name] = sig
	return nil
}

func (f *fakeProcs) WriteStdin(name string, data []byte) error {
	p, ok := f.procs[name]
	if !ok {
		return fmt.Errorf("no such process: %s", name)
	}
	if p.State != states.Running.String() {
		return fmt.Errorf("process %q not accepting input: broken pipe", name)
	}
	f.stdin[name] = append(f.stdin[name], data...)
	return nil
}

func (f *fakeProcs) ReadLog(name, stream string, n int) ([]byte, error) {
	if _, ok := f.procs[name]; !ok {
		return nil, fmt.Errorf("no such process: %s", name)
	}
	data := f.logs[name+":"+stream]
	if n < len(data) {
		data = data[len(data)-n:]
	}
	return data, nil
}

type fakeGroups struct {
	groups    map[string]GroupInfo
	started   []string
	stopped   []string
	restarted []string
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{groups: map[string]GroupInfo{}}
}

func (f *fakeGroups) ListGroups() []GroupInfo {
	var out []GroupInfo
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out
}

func (f *fakeGroups) StartGroup(name string) error {
	if _, ok := f.groups[name]; !ok {
		return fmt.Errorf("no such group: %s", name)
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeGroups) StopGroup(name string) error {
	if _, ok := f.groups[name]; !ok {
		return fmt.Errorf("no such group: %s", name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeGroups) RestartGroup(name string) error {
	if _, ok := f.groups[name]; !ok {
		return fmt.Errorf("no such group: %s", name)
	}
	f.restarted = append(f.restarted, name)
	return nil
}

type fakeDaemon struct {
	state    string
	shutdown bool
}

func (f *fakeDaemon) State() string { return f.state }
func (f *fakeDaemon) PID() int      { return 4242 }
func (f *fakeDaemon) Version() map[string]string {
	return map[string]string{"version": "1.2.3", "commit": "abc"}
}
func (f *fakeDaemon) Shutdown() { f.shutdown = true }

type fixture struct {
	server *Server
	procs  *fakeProcs
	groups *fakeGroups
	daemon *fakeDaemon
	bus    *events.Bus
}

func newFixture(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	f := &fixture{
		procs:  newFakeProcs(),
		groups: newFakeGroups(),
		daemon: &fakeDaemon{state: "RUNNING"},
		bus:    events.NewBus(),
	}
	f.procs.procs["web"] = ProcessInfo{
		Name: "web", Group: "web", State: "RUNNING",
		StateCode: int(states.Running), PID: 100, Uptime: 5,
	}
	f.procs.procs["worker"] = ProcessInfo{
		Name: "worker", Group: "workers", State: "STOPPED",
		StateCode: int(states.Stopped),
	}
	f.groups.groups["workers"] = GroupInfo{Name: "workers", Priority: 10, Processes: []string{"worker"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.server = NewServer(cfg, f.procs, f.groups, f.daemon, f.bus, logger)
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "@" // unix socket peer
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestListProcesses(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/processes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var infos []ProcessInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d processes, want 2", len(infos))
	}
}

func TestGetProcess(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/processes/web", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var info ProcessInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "web" || info.State != "RUNNING" || info.PID != 100 {
		t.Fatalf("info = %+v", info)
	}
}

func TestGetUnknownProcessIs404(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/processes/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStartProcess(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/worker/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(f.procs.started) != 1 || f.procs.started[0] != "worker" {
		t.Fatalf("started = %v", f.procs.started)
	}
}

func TestStartRunningProcessIs409(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/web/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestStopStoppedProcessIs400(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/worker/stop", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRestartProcess(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/web/restart", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.procs.restarted) != 1 {
		t.Fatalf("restarted = %v", f.procs.restarted)
	}
}

func TestSignalProcess(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	body := strings.NewReader(`{"signal": "HUP"}`)
	w := f.request(t, "POST", "/api/v1/processes/web/signal", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if f.procs.signals["web"] != "HUP" {
		t.Fatalf("signals = %v", f.procs.signals)
	}
}

func TestSignalWithoutBodyIs400(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/web/signal", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSignalInvalidIs400(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	body := strings.NewReader(`{"signal": "BOGUS"}`)
	w := f.request(t, "POST", "/api/v1/processes/web/signal", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestProcessStdin(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/web/stdin", strings.NewReader("hello\n"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if string(f.procs.stdin["web"]) != "hello\n" {
		t.Fatalf("stdin = %q", f.procs.stdin["web"])
	}
}

func TestStdinToStoppedProcessIs400(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/processes/worker/stdin", strings.NewReader("x"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestProcessLog(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.procs.logs["web:stdout"] = []byte("line1\nline2\n")

	w := f.request(t, "GET", "/api/v1/processes/web/log", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "line1\nline2\n" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestProcessLogTailBytes(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.procs.logs["web:stderr"] = []byte("abcdef")

	w := f.request(t, "GET", "/api/v1/processes/web/log?stream=stderr&bytes=3", nil)
	if w.Body.String() != "def" {
		t.Fatalf("body = %q, want tail", w.Body.String())
	}
}

func TestProcessLogBadBytesParam(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/processes/web/log?bytes=nope", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListGroups(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/groups", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var groups []GroupInfo
	if err := json.NewDecoder(w.Body).Decode(&groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "workers" {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestGroupActions(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	for _, action := range []string{"start", "stop", "restart"} {
		w := f.request(t, "POST", "/api/v1/groups/workers/"+action, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", action, w.Code)
		}
	}
	if len(f.groups.started) != 1 || len(f.groups.stopped) != 1 || len(f.groups.restarted) != 1 {
		t.Fatal("group actions not forwarded")
	}
}

func TestUnknownGroupIs404(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/groups/nope/start", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/status", nil)
	var status StatusInfo
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != "RUNNING" || status.PID != 4242 || status.Version != "1.2.3" {
		t.Fatalf("status = %+v", status)
	}
	if status.Processes["RUNNING"] != 1 || status.Processes["STOPPED"] != 1 {
		t.Fatalf("process counts = %v", status.Processes)
	}
}

func TestVersion(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/api/v1/version", nil)
	var v map[string]string
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["version"] != "1.2.3" {
		t.Fatalf("version = %v", v)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "POST", "/api/v1/shutdown", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if !f.daemon.shutdown {
		t.Fatal("shutdown not forwarded to daemon")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	w := f.request(t, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	if w := f.request(t, "GET", "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	f.daemon.state = "STOPPING"
	if w := f.request(t, "GET", "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopping daemon: status = %d, want 503", w.Code)
	}

	f.daemon.state = "RUNNING"
	f.procs.procs["slow"] = ProcessInfo{Name: "slow", State: "STARTING"}
	if w := f.request(t, "GET", "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("starting process: status = %d, want 503", w.Code)
	}
}

func TestTCPRequiresAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.ServerConfig{
		HTTP: config.HTTPServerConfig{Username: "admin", PasswordHash: string(hash)},
	}
	f := newFixture(t, cfg)

	req := httptest.NewRequest("GET", "/api/v1/processes", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/processes", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.SetBasicAuth("admin", "sekrit")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated: status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/processes", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want 401", w.Code)
	}
}

func TestUnixConnSkipsAuth(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	cfg := config.ServerConfig{
		HTTP: config.HTTPServerConfig{Username: "admin", PasswordHash: string(hash)},
	}
	f := newFixture(t, cfg)

	w := f.request(t, "GET", "/api/v1/processes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unix conn: status = %d, want 200", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Wait for the handler's subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount(events.Any) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	proc := &fakeSubject{name: "web"}
	f.bus.Notify(&events.ProcessStateChangeEvent{
		Process: proc, From: states.Starting, To: states.Running,
	})

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event == "" {
		t.Fatal("no event frame received")
	}
	if !strings.Contains(data, `"process":"web"`) {
		t.Fatalf("data = %q", data)
	}
}

type fakeSubject struct{ name string }

func (s *fakeSubject) Name() string { return s.name }

func TestRemoveStaleSocket(t *testing.T) {
	dir := t.TempDir()

	// Nonexistent path is fine.
	if err := removeStaleSocket(filepath.Join(dir, "missing.sock")); err != nil {
		t.Fatal(err)
	}

	// A regular file must not be unlinked.
	path := filepath.Join(dir, "notasocket")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := removeStaleSocket(path); err == nil {
		t.Fatal("expected error for non-socket file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("regular file was removed")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want int
	}{
		{"no such process: web", http.StatusNotFound},
		{"no such group: workers", http.StatusNotFound},
		{`process "web" already started`, http.StatusConflict},
		{`process "web" not running`, http.StatusBadRequest},
		{`invalid signal: unknown signal "WAT"`, http.StatusBadRequest},
		{`process "web" not accepting input: broken pipe`, http.StatusBadRequest},
		{"disk on fire", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := classifyError(fmt.Errorf("%s", tc.msg)); got != tc.want {
			t.Errorf("classifyError(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}
