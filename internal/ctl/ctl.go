// Package ctl implements the control client for a running steward
// daemon, speaking the JSON API over its unix socket or TCP listener.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
)

// Client communicates with a steward daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP with basic auth.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

func (c *Client) doJSON(method, path string, body io.Reader) (map[string]any, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if e, ok := result["error"].(string); ok {
			msg = e
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return result, nil
}

// ProcessInfo mirrors the API's process representation.
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

// GroupInfo mirrors the API's group representation.
type GroupInfo struct {
	Name      string   `json:"name"`
	Priority  int      `json:"priority"`
	Listener  bool     `json:"listener"`
	Processes []string `json:"processes"`
}

// Start starts a process by name.
func (c *Client) Start(name string) error {
	_, err := c.doJSON("POST", "/api/v1/processes/"+name+"/start", nil)
	return err
}

// Stop stops a process by name.
func (c *Client) Stop(name string) error {
	_, err := c.doJSON("POST", "/api/v1/processes/"+name+"/stop", nil)
	return err
}

// Restart restarts a process by name.
func (c *Client) Restart(name string) error {
	_, err := c.doJSON("POST", "/api/v1/processes/"+name+"/restart", nil)
	return err
}

// Signal sends a named signal to a process.
func (c *Client) Signal(name, sig string) error {
	body, _ := json.Marshal(map[string]string{"signal": sig})
	_, err := c.doJSON("POST", "/api/v1/processes/"+name+"/signal", bytes.NewReader(body))
	return err
}

// WriteStdin sends data to a process's stdin. The API takes the raw
// bytes, so no framing is applied here.
func (c *Client) WriteStdin(name, data string) error {
	resp, err := c.do("POST", "/api/v1/processes/"+name+"/stdin", strings.NewReader(data))
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return nil
}

// StartGroup starts all startable processes in a group.
func (c *Client) StartGroup(name string) error {
	_, err := c.doJSON("POST", "/api/v1/groups/"+name+"/start", nil)
	return err
}

// StopGroup stops all running processes in a group.
func (c *Client) StopGroup(name string) error {
	_, err := c.doJSON("POST", "/api/v1/groups/"+name+"/stop", nil)
	return err
}

// RestartGroup restarts all processes in a group.
func (c *Client) RestartGroup(name string) error {
	_, err := c.doJSON("POST", "/api/v1/groups/"+name+"/restart", nil)
	return err
}

// Processes returns the full roster, optionally filtered by name.
func (c *Client) Processes(names []string) ([]ProcessInfo, error) {
	resp, err := c.do("GET", "/api/v1/processes", nil)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}

	var procs []ProcessInfo
	if err := json.NewDecoder(resp.Body).Decode(&procs); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	if len(names) > 0 {
		filter := make(map[string]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
		var filtered []ProcessInfo
		for _, p := range procs {
			if filter[p.Name] {
				filtered = append(filtered, p)
			}
		}
		procs = filtered
	}
	return procs, nil
}

// Groups returns all program groups and listener pools.
func (c *Client) Groups() ([]GroupInfo, error) {
	resp, err := c.do("GET", "/api/v1/groups", nil)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}

	var groups []GroupInfo
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return groups, nil
}

// Status retrieves process status and renders it to w, as JSON when
// jsonOutput is set or as an aligned table otherwise.
func (c *Client) Status(names []string, jsonOutput bool, w io.Writer) error {
	procs, err := c.Processes(names)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(procs)
	}
	return formatStatusTable(procs, w, isTerminal(w))
}

func formatStatusTable(procs []ProcessInfo, w io.Writer, color bool) error {
	sort.Slice(procs, func(i, j int) bool {
		return procs[i].Name < procs[j].Name
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tSTATE\tPID\tUPTIME\tDESCRIPTION\n")

	for _, p := range procs {
		state := p.State
		if color {
			state = colorState(p.State)
		}

		pid := "-"
		if p.PID > 0 {
			pid = fmt.Sprintf("%d", p.PID)
		}

		uptime := "-"
		if p.Uptime > 0 {
			uptime = formatDuration(time.Duration(p.Uptime) * time.Second)
		}

		desc := p.Description
		if p.State == "EXITED" && p.ExitStatus != nil {
			desc = fmt.Sprintf("exit %d", *p.ExitStatus)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, state, pid, uptime, desc)
	}
	return tw.Flush()
}

func colorState(state string) string {
	switch state {
	case "RUNNING":
		return "\033[32m" + state + "\033[0m"
	case "FATAL":
		return "\033[31m" + state + "\033[0m"
	case "STARTING", "BACKOFF", "STOPPING":
		return "\033[33m" + state + "\033[0m"
	default:
		return state
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Tail writes the last n bytes of a process log channel to w.
func (c *Client) Tail(name, stream string, n int, w io.Writer) error {
	if stream == "" {
		stream = "stdout"
	}
	path := fmt.Sprintf("/api/v1/processes/%s/log?stream=%s&bytes=%d", name, stream, n)
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Events streams the daemon's event feed to w, one line per event,
// until ctx is canceled.
func (c *Client) Events(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/events/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	// The stream outlives the default client timeout.
	client := &http.Client{Transport: c.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}

	var event string
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				switch {
				case strings.HasPrefix(line, "event: "):
					event = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					fmt.Fprintf(w, "%s %s\n", event, strings.TrimPrefix(line, "data: "))
				}
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Shutdown asks the daemon to shut down gracefully.
func (c *Client) Shutdown() error {
	_, err := c.doJSON("POST", "/api/v1/shutdown", nil)
	return err
}

// Version returns daemon build metadata.
func (c *Client) Version() (map[string]any, error) {
	return c.doJSON("GET", "/api/v1/version", nil)
}

// Status fields from /api/v1/status.
type DaemonStatus struct {
	State     string         `json:"state"`
	PID       int            `json:"pid"`
	Version   string         `json:"version"`
	Processes map[string]int `json:"processes"`
}

// DaemonStatus returns the daemon's own state.
func (c *Client) DaemonStatus() (DaemonStatus, error) {
	var status DaemonStatus
	resp, err := c.do("GET", "/api/v1/status", nil)
	if err != nil {
		return status, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return status, responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("invalid response: %w", err)
	}
	return status, nil
}

// PID returns the daemon pid, or a process pid when name is given.
func (c *Client) PID(name string) (int, error) {
	if name == "" {
		status, err := c.DaemonStatus()
		if err != nil {
			return 0, err
		}
		return status.PID, nil
	}

	resp, err := c.do("GET", "/api/v1/processes/"+name, nil)
	if err != nil {
		return 0, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, responseError(resp)
	}

	var info ProcessInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, err
	}
	return info.PID, nil
}

// Health checks daemon liveness and returns its lifecycle state.
func (c *Client) Health() (string, error) {
	resp, err := c.do("GET", "/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["state"], nil
}

// Ready reports whether the daemon and its roster are ready.
func (c *Client) Ready() (bool, error) {
	resp, err := c.do("GET", "/readyz", nil)
	if err != nil {
		return false, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func responseError(resp *http.Response) error {
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
		return fmt.Errorf("server error (status %d)", resp.StatusCode)
	}
	return fmt.Errorf("%s", body["error"])
}
