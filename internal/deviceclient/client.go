// Package deviceclient issues the dashcam's CGI calls over HTTP with the
// exact header set and connection pooling the device firmware expects.
package deviceclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	cgiUserAgent    = "Dalvik/2.1.0 (Linux; U; Android 9; KFONWI Build/PS7331.4463N)"
	streamUserAgent = "Lavf/57.83.100"
	minPoolConns    = 10
)

// Config is the subset of dial parameters the Device Client needs; callers
// typically build this from internal/config.Config.
type Config struct {
	BaseURL           string
	ConnectionTimeout time.Duration
	MaxRetries        int
}

// Client talks to the dashcam's CGI surface. The zero value is not usable;
// construct with New.
type Client struct {
	baseURL   string
	sessionID string
	http      *retryablehttp.Client
	log       zerolog.Logger
}

// New builds a Client with a pooled HTTP transport sized for the device's
// concurrency expectations and a retryable HTTP client wrapping it for
// transport-level retry of the small CGI text calls.
func New(cfg Config, log zerolog.Logger) *Client {
	// ResponseHeaderTimeout, not Client.Timeout, carries the configured
	// connection timeout: a video stream legitimately runs far longer than
	// a CGI call, and Client.Timeout would bound the whole body read.
	transport := &http.Transport{
		MaxIdleConns:          minPoolConns,
		MaxIdleConnsPerHost:   minPoolConns,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ConnectionTimeout,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = cfg.MaxRetries
	rc.Logger = nil // silence retryablehttp's own stderr logging

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sessionID: "null",
		http:      rc,
		log:       log.With().Str("component", "deviceclient").Logger(),
	}
}

// Probe dials the device's TCP port with the given timeout, used by the
// Session Manager's discovery step. It never returns a protocol or
// transport error kind — only a plain bool, matching the original's
// socket probe.
func Probe(ctx context.Context, hostPort string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) cgiHeaders(req *retryablehttp.Request, keepAlive bool) {
	req.Header.Set("User-Agent", cgiUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Cookie", "SessionID="+c.sessionID)
	if keepAlive {
		req.Header.Set("Connection", "keep-alive")
	} else {
		req.Header.Set("Connection", "close")
	}
}

func (c *Client) getText(ctx context.Context, op, path string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	c.cgiHeaders(req, true)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	return string(body), nil
}

// GetDeviceAttr issues getdeviceattr.cgi, returning the raw response text.
func (c *Client) GetDeviceAttr(ctx context.Context) (string, error) {
	return c.getText(ctx, "getDeviceAttr", "/cgi-bin/hisnet/getdeviceattr.cgi")
}

// RegisterClient issues client.cgi?-operation=register&-ip=<ip>.
func (c *Client) RegisterClient(ctx context.Context, ip string) (string, error) {
	path := fmt.Sprintf("/cgi-bin/hisnet//client.cgi?-operation=register&-ip=%s", ip)
	return c.getText(ctx, "registerClient", path)
}

// GetWifi issues getwifi.cgi.
func (c *Client) GetWifi(ctx context.Context) (string, error) {
	return c.getText(ctx, "getWifi", "/cgi-bin/hisnet/getwifi.cgi")
}

// GetWorkState issues getworkstate.cgi, used as the prober's liveness check.
func (c *Client) GetWorkState(ctx context.Context) (string, error) {
	return c.getText(ctx, "getWorkState", "/cgi-bin/hisnet/getworkstate.cgi")
}

// WorkModeCmd issues workmodecmd.cgi?-cmd=<cmd>; the Session Manager uses
// cmd="stop" to keep the device in file-browsable mode.
func (c *Client) WorkModeCmd(ctx context.Context, cmd string) (string, error) {
	path := fmt.Sprintf("/cgi-bin/hisnet/workmodecmd.cgi?-cmd=%s", cmd)
	return c.getText(ctx, "workModeCmd", path)
}

// SetWorkMode issues setworkmode.cgi?-workmode=<mode>.
func (c *Client) SetWorkMode(ctx context.Context, mode string) (string, error) {
	path := fmt.Sprintf("/cgi-bin/hisnet/setworkmode.cgi?-workmode=%s", mode)
	return c.getText(ctx, "setWorkMode", path)
}

// GetDirCapability issues getdircapability.cgi and parses the
// var capability="a,b,c,"; form into a trimmed list of directory names.
func (c *Client) GetDirCapability(ctx context.Context) ([]string, error) {
	body, err := c.getText(ctx, "getDirCapability", "/cgi-bin/hisnet/getdircapability.cgi")
	if err != nil {
		return nil, err
	}
	return parseCapability(body)
}

// GetDirFileCount issues getdirfilecount.cgi?-dir=<dir> and parses the
// var count="N"; form into an int.
func (c *Client) GetDirFileCount(ctx context.Context, dir string) (int, error) {
	path := fmt.Sprintf("/cgi-bin/hisnet/getdirfilecount.cgi?-dir=%s", dir)
	body, err := c.getText(ctx, "getDirFileCount", path)
	if err != nil {
		return 0, err
	}
	return parseCount(body)
}

// GetDirFileList issues getdirfilelist.cgi?-dir=<dir>&-start=<s>&-end=<e>
// and parses the semicolon-separated path list.
func (c *Client) GetDirFileList(ctx context.Context, dir string, start, end int) ([]string, error) {
	path := fmt.Sprintf("/cgi-bin/hisnet/getdirfilelist.cgi?-dir=%s&-start=%d&-end=%d", dir, start, end)
	body, err := c.getText(ctx, "getDirFileList", path)
	if err != nil {
		return nil, err
	}
	return parseFileList(body), nil
}

// FetchBytes retrieves the full body at a device-relative path in one
// shot — used for thumbnails and GPS sidecars, which are small. Splitting
// this from OpenStream removes the boolean-flag polymorphism of the
// original surface.
func (c *Client) FetchBytes(ctx context.Context, devicePath string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+strings.TrimLeft(devicePath, "/"), nil)
	if err != nil {
		return nil, &TransportError{Op: "fetchBytes", Err: err}
	}
	c.cgiHeaders(req, true)
	req.Header.Set("Accept-Encoding", "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetchBytes", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "fetchBytes", Err: err}
	}
	return body, nil
}

// OpenStream opens a video file for streaming read, optionally resuming
// from a byte range. The caller owns the returned body and must close it.
func (c *Client) OpenStream(ctx context.Context, devicePath string, byteRange string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+strings.TrimLeft(devicePath, "/"), nil)
	if err != nil {
		return nil, &TransportError{Op: "openStream", Err: err}
	}
	req.Header.Set("User-Agent", streamUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("Cookie", "SessionID="+c.sessionID)
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "openStream", Err: err}
	}
	return resp.Body, nil
}

// GetGPSData retrieves the raw text of a GPS sidecar file.
func (c *Client) GetGPSData(ctx context.Context, devicePath string) (string, error) {
	b, err := c.FetchBytes(ctx, devicePath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseCapability(body string) ([]string, error) {
	inner, err := firstQuoted(body)
	if err != nil {
		return nil, &ProtocolError{Op: "getDirCapability", Body: body, Err: err}
	}
	inner = strings.TrimSuffix(inner, ",")
	if inner == "" {
		return []string{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func parseCount(body string) (int, error) {
	inner, err := firstQuoted(body)
	if err != nil {
		return 0, &ProtocolError{Op: "getDirFileCount", Body: body, Err: err}
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return 0, &ProtocolError{Op: "getDirFileCount", Body: body, Err: err}
	}
	return n, nil
}

func parseFileList(body string) []string {
	parts := strings.Split(body, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func firstQuoted(body string) (string, error) {
	first := strings.IndexByte(body, '"')
	if first < 0 {
		return "", fmt.Errorf("no opening quote in %q", body)
	}
	rest := body[first+1:]
	second := strings.IndexByte(rest, '"')
	if second < 0 {
		return "", fmt.Errorf("no closing quote in %q", body)
	}
	return rest[:second], nil
}
