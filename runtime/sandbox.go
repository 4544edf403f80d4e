package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sandbox is the remote execution environment one workload runs in. The
// concrete provider API is hidden behind SandboxClient; the daemon only
// depends on this boundary.
type Sandbox struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
}

// SandboxSpec describes the sandbox to create.
type SandboxSpec struct {
	Name           string   `json:"name"`
	Image          string   `json:"image"`
	CPUCores       float64  `json:"cpu_cores"`
	MemoryGB       float64  `json:"memory_gb"`
	TimeoutMinutes int      `json:"timeout_minutes"`
	Labels         []string `json:"labels"`
}

// Job is a background job started inside a sandbox.
type Job struct {
	ID            string `json:"job_id"`
	StdoutLogFile string `json:"stdout_log_file"`
	StderrLogFile string `json:"stderr_log_file"`
}

// JobStatus is one poll of a background job.
type JobStatus struct {
	Completed bool   `json:"completed"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// ExecResult is the outcome of a synchronous command in the sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// SandboxClient is the provider boundary for the remote runtime.
type SandboxClient interface {
	Create(ctx context.Context, spec SandboxSpec) (*Sandbox, error)
	Get(ctx context.Context, id string) (*Sandbox, error)
	Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error)
	UploadFile(ctx context.Context, id, remotePath, localPath string) error
	Download(ctx context.Context, id, remotePath string) (io.ReadCloser, error)
	StartJob(ctx context.Context, id, command, workdir string, env map[string]string) (*Job, error)
	JobStatus(ctx context.Context, id string, job *Job) (*JobStatus, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// RemoteCredentials locate and authenticate the sandbox provider.
type RemoteCredentials struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
}

const (
	envRemoteAPIBase = "REMOTE_API_BASE"
	envRemoteAPIKey  = "REMOTE_API_KEY"
	envRemoteAuthCmd = "REMOTE_AUTH_CMD"
)

func credentialsFilePath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "gradwatch", "credentials.yaml")
}

func loadCredentialsFile() (*RemoteCredentials, error) {
	path := credentialsFilePath()
	if path == "" {
		return nil, os.ErrNotExist
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds RemoteCredentials
	if err := yaml.Unmarshal(content, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &creds, nil
}

// ResolveCredentials finds provider credentials: environment first, then
// the credentials file. When neither is present and stdin is a terminal,
// the external auth CLI is invoked once and the file is re-read;
// otherwise resolution fails.
func ResolveCredentials() (*RemoteCredentials, error) {
	creds := &RemoteCredentials{
		APIBase: os.Getenv(envRemoteAPIBase),
		APIKey:  os.Getenv(envRemoteAPIKey),
	}
	if creds.APIBase != "" && creds.APIKey != "" {
		return creds, nil
	}

	if fileCreds, err := loadCredentialsFile(); err == nil {
		if creds.APIBase == "" {
			creds.APIBase = fileCreds.APIBase
		}
		if creds.APIKey == "" {
			creds.APIKey = fileCreds.APIKey
		}
		if creds.APIBase != "" && creds.APIKey != "" {
			return creds, nil
		}
	}

	if !stdinIsTerminal() {
		return nil, fmt.Errorf("remote credentials unavailable: set %s and %s or run the auth CLI", envRemoteAPIBase, envRemoteAPIKey)
	}

	authCmd := os.Getenv(envRemoteAuthCmd)
	if authCmd == "" {
		authCmd = "gradwatch-auth login"
	}
	parts := strings.Fields(authCmd)
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("auth CLI failed: %w", err)
	}

	fileCreds, err := loadCredentialsFile()
	if err != nil {
		return nil, fmt.Errorf("auth CLI completed but credentials still missing: %w", err)
	}
	if fileCreds.APIBase == "" || fileCreds.APIKey == "" {
		return nil, fmt.Errorf("auth CLI completed but credentials file is incomplete")
	}
	return fileCreds, nil
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// httpSandboxClient talks to the provider's REST API.
type httpSandboxClient struct {
	base   string
	apiKey string
	client *http.Client
}

// NewHTTPSandboxClient builds the REST client for the resolved
// credentials.
func NewHTTPSandboxClient(creds *RemoteCredentials) SandboxClient {
	return &httpSandboxClient{
		base:   strings.TrimRight(creds.APIBase, "/"),
		apiKey: creds.APIKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *httpSandboxClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox api %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpSandboxClient) Create(ctx context.Context, spec SandboxSpec) (*Sandbox, error) {
	var sandbox Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", spec, &sandbox); err != nil {
		return nil, err
	}
	return &sandbox, nil
}

func (c *httpSandboxClient) Get(ctx context.Context, id string) (*Sandbox, error) {
	var sandbox Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(id), nil, &sandbox); err != nil {
		return nil, err
	}
	return &sandbox, nil
}

func (c *httpSandboxClient) Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	request := map[string]any{"command": command, "timeout_secs": int(timeout.Seconds())}
	var result ExecResult
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/exec", request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpSandboxClient) UploadFile(ctx context.Context, id, remotePath, localPath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.base+"/v1/sandboxes/"+url.PathEscape(id)+"/files?path="+url.QueryEscape(remotePath),
		bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sandbox api upload: http %d", resp.StatusCode)
	}
	return nil
}

func (c *httpSandboxClient) Download(ctx context.Context, id, remotePath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/sandboxes/"+url.PathEscape(id)+"/files?path="+url.QueryEscape(remotePath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox api download: http %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *httpSandboxClient) StartJob(ctx context.Context, id, command, workdir string, env map[string]string) (*Job, error) {
	request := map[string]any{"command": command, "working_dir": workdir, "env": env}
	var job Job
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/jobs", request, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *httpSandboxClient) JobStatus(ctx context.Context, id string, job *Job) (*JobStatus, error) {
	var status JobStatus
	path := "/v1/sandboxes/" + url.PathEscape(id) + "/jobs/" + url.PathEscape(job.ID)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *httpSandboxClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(id), nil, nil)
}

func (c *httpSandboxClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
