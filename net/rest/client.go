package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"peerlink/datamodel/peer"
	"peerlink/registry"
)

const DefaultClientTimeout = 10 * time.Second

// APIError is a non-success answer from the registry. It unwraps to the registry sentinel
// matching its status code, so errors.Is works on both sides of the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry answered %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return registry.ErrInvalidArgument
	case http.StatusNotFound:
		return registry.ErrNotFound
	case http.StatusInternalServerError:
		return registry.ErrStoreUnavailable
	}
	return nil
}

type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends the request and decodes a 2xx answer into out. Anything else becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to server %s: %w", c.baseURL, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: "Unknown error"}
		e := &ErrorResponse{}
		if json.Unmarshal(raw, e) == nil && e.Message != "" {
			apiErr.Message = e.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed answer from %s%s: %w", c.baseURL, path, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, username, ip string, port int) (*RegisterResponse, error) {
	p := Port(port)
	res := &RegisterResponse{}
	err := c.do(ctx, http.MethodPost, "/register", &RegisterRequest{Username: username, IP: ip, Port: &p}, res)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Peers lists live peers. A non-empty exclude is filtered out by the registry.
func (c *Client) Peers(ctx context.Context, exclude string) ([]*peer.Record, error) {
	path := "/peers"
	if exclude != "" {
		path += "?exclude=" + url.QueryEscape(exclude)
	}

	res := &PeersResponse{}
	if err := c.do(ctx, http.MethodGet, path, nil, res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

func (c *Client) PeerInfo(ctx context.Context, username string) (*peer.Record, error) {
	res := &PeerInfoResponse{}
	if err := c.do(ctx, http.MethodGet, "/peerinfo?username="+url.QueryEscape(username), nil, res); err != nil {
		return nil, err
	}
	return res.Peer, nil
}

func (c *Client) Unregister(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/unregister", &UnregisterRequest{Username: username}, &UnregisterResponse{})
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	res := &HealthResponse{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}
