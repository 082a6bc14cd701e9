package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tutu-network/conductor/internal/daemon"
	"github.com/tutu-network/conductor/internal/domain"
)

// nodeAddr is the --node flag: the HTTP address of a running node.
var nodeAddr string

// defaultNodeAddr derives the node address from the local config.
func defaultNodeAddr() string {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		cfg = daemon.DefaultConfig()
	}
	return fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
}

// apiClient calls a running node's control API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	base := nodeAddr
	if base == "" {
		base = defaultNodeAddr()
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// ackError is a failed ack returned by the node.
type ackError struct {
	Code    domain.Code
	Message string
}

func (e *ackError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// call sends body (if non-nil) and decodes the ack's data into out (if
// non-nil).
func (c *apiClient) call(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the node running? %w", err)
	}
	defer resp.Body.Close()

	var ack struct {
		OK      bool            `json:"ok"`
		Code    domain.Code     `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !ack.OK {
		return &ackError{Code: ack.Code, Message: ack.Message}
	}
	if out != nil && len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// parseJSONFlag validates an inline JSON flag value.
func parseJSONFlag(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(value), nil
}
