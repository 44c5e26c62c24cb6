// client.go is a thin HTTP client for the daemon's ops API, used by the
// schedule and health subcommands.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/config"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newAPIClient builds a client against the ops API address in the config.
func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	return apiClientFor(cfg), nil
}

func apiClientFor(cfg *config.Config) *apiClient {
	return &apiClient{
		base:  "http://" + cfg.Gateway.Address,
		token: cfg.Gateway.AuthToken,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// do performs one request and decodes the JSON response into out (when
// non-nil). Non-2xx responses become errors carrying the body.
func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
