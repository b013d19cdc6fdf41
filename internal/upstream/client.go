// Package upstream is the HTTP client a node uses to talk to its issuer:
// the authority for local servers, a local server for tablets. Every call
// has a bounded timeout and goes through the request signer, which leaves
// requests unsigned until the node has credentials.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/signing"
)

// DefaultTimeout bounds each upstream call.
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 64 << 10

// Endpoint describes the issuer's activation route and field names.
type Endpoint struct {
	Path        string // activation route
	SecretField string // request field carrying the secret
	IDField     string // response field carrying the issued external id
}

var (
	ServerActivation = Endpoint{Path: "/api/servers/activate", SecretField: "activation_secret", IDField: "server_id"}
	TabletActivation = Endpoint{Path: "/api/tablets/activate", SecretField: "activation_code", IDField: "tablet_id"}
)

// Client calls an issuer over HTTP.
type Client struct {
	baseURL  string
	endpoint Endpoint
	http     *http.Client
}

// NewClient returns a client for baseURL. A nil signer sends every request
// unsigned.
func NewClient(baseURL string, endpoint Endpoint, signer *signing.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var transport http.RoundTripper = http.DefaultTransport
	if signer != nil {
		transport = &signing.Transport{Base: http.DefaultTransport, Signer: signer}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Activate submits secret and publicKey to the issuer and returns the
// external id it assigned.
func (c *Client) Activate(ctx context.Context, secret, publicKey string) (string, error) {
	req := map[string]string{
		c.endpoint.SecretField: secret,
		"public_key":           publicKey,
	}
	var resp map[string]any
	if err := c.Do(ctx, http.MethodPost, c.endpoint.Path, req, &resp); err != nil {
		return "", err
	}

	id, _ := resp[c.endpoint.IDField].(string)
	if id == "" {
		return "", fmt.Errorf("activation response missing %s", c.endpoint.IDField)
	}
	return id, nil
}

// Do sends a JSON request and decodes a JSON response into out. Error
// responses carrying {"error", "kind"} are returned as *apierr.Error.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Kind != "" {
		return apierr.New(apierr.Kind(payload.Kind), payload.Error)
	}
	if payload.Error != "" {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("upstream returned %d", resp.StatusCode)
}
