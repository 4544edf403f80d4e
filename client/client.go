// Package client is the Go client for the daemon's socket protocol, used
// by frontends and by the metric reporter embedded in training tooling.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gradwatch/runtime"
)

// DefaultSocketPath resolves the socket the same way the daemon does:
// the SUPERVISOR_SOCKET env var, else <tmpdir>/gradwatch-supervisor.sock.
func DefaultSocketPath() string {
	if path := os.Getenv(runtime.EnvSocketPath); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), "gradwatch-supervisor.sock")
}

// Client holds one persistent connection to the daemon. It is not safe
// for concurrent use; the protocol is request/reply-serial per
// connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 4*1024*1024)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one request and reads one reply.
func (c *Client) Send(payload map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(append(encoded, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var response map[string]any
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("invalid response from daemon: %w", err)
	}
	return response, nil
}

// Ping checks the daemon is alive.
func (c *Client) Ping() (map[string]any, error) {
	return c.Send(map[string]any{"type": "ping"})
}

// GetRunState fetches a run-state snapshot.
func (c *Client) GetRunState(logTail, metricTail int) (map[string]any, error) {
	return c.Send(map[string]any{"type": "get_run_state", "log_tail": logTail, "metric_tail": metricTail})
}

// GetChatHistory fetches the conversation log.
func (c *Client) GetChatHistory() (map[string]any, error) {
	return c.Send(map[string]any{"type": "get_chat_history"})
}

// SendChatMessage asks the agent a question.
func (c *Client) SendChatMessage(content string) (map[string]any, error) {
	return c.Send(map[string]any{"type": "chat_message", "content": content})
}

// SendMetric reports one metric sample; step may be nil.
func (c *Client) SendMetric(metric string, value float64, step *int) (map[string]any, error) {
	payload := map[string]any{"type": "metrics_update", "metric": metric, "value": value}
	if step != nil {
		payload["step"] = *step
	}
	return c.Send(payload)
}

// AppendLog forwards one log line.
func (c *Client) AppendLog(line string) (map[string]any, error) {
	return c.Send(map[string]any{"type": "log_append", "line": line})
}

// SetTrainingFile retargets the daemon's training file.
func (c *Client) SetTrainingFile(path string) (map[string]any, error) {
	return c.Send(map[string]any{"type": "set_training_file", "path": path})
}

// SetAutoMode flips auto refactor application.
func (c *Client) SetAutoMode(enabled bool) (map[string]any, error) {
	return c.Send(map[string]any{"type": "set_auto_mode", "enabled": enabled})
}

// SetRuntime switches the backend used by the next start.
func (c *Client) SetRuntime(kind string) (map[string]any, error) {
	return c.Send(map[string]any{"type": "set_runtime", "runtime": kind})
}

// StartTraining restarts the workload.
func (c *Client) StartTraining() (map[string]any, error) {
	return c.Send(map[string]any{"type": "start_training"})
}

// ApplyRefactor submits an approved refactor plan.
func (c *Client) ApplyRefactor(diagnosis, action, codeChanges, rawOutput string) (map[string]any, error) {
	return c.Send(map[string]any{
		"type":         "apply_refactor",
		"diagnosis":    diagnosis,
		"action":       action,
		"code_changes": codeChanges,
		"raw_output":   rawOutput,
	})
}
