package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Client is a struct for communicating with the tapster daemon
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient is a constructor for creating a new Client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					conn, err := d.DialContext(ctx, "unix", socketPath)
					if err != nil {
						if errors.Is(err, os.ErrNotExist) {
							return nil, ErrDaemonNotRunning
						}
						if errors.Is(err, os.ErrPermission) {
							return nil, ErrPermissionDenied
						}
						logrus.Errorf("failed to connect to unix socket: %v", err)
						return nil, err
					}
					return conn, err
				},
			},
		},
	}
}

// Send sends a request with an optional JSON body to the daemon and returns
// the raw response body. Non-2xx responses are returned as *APIError.
func (c *Client) Send(ctx context.Context, method string, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"unix":   c.socketPath,
	}).Debug("sending request")

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, b)
	}

	return b, nil
}

// do sends a request and decodes the JSON response into out, if not nil.
func (c *Client) do(method, path string, body, out any) error {
	b, err := c.Send(context.Background(), method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(path string, out any) error { return c.do(http.MethodGet, path, nil, out) }

func (c *Client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *Client) put(path string, body, out any) error { return c.do(http.MethodPut, path, body, out) }

func newAPIError(code int, body []byte) *APIError {
	var msg string
	if err := json.Unmarshal(body, &msg); err != nil {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: code, Message: msg}
}
