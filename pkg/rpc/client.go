package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/trusch/timelock/pkg/paxos"
)

// Client talks to an acceptor served by Routes on another node.
type Client struct {
	baseURL string
	cli     *http.Client
}

var _ paxos.Acceptor = (*Client)(nil)

// NewClient returns a client for the node at baseURL, e.g.
// "http://10.0.0.2:8421". Deadlines come from the call contexts.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + Prefix,
		cli:     httpClient,
	}
}

func (c *Client) Prepare(ctx context.Context, req paxos.PrepareRequest) (promise paxos.Promise, err error) {
	err = c.do(ctx, http.MethodPost, preparePath, req, &promise)
	return promise, err
}

func (c *Client) Accept(ctx context.Context, req paxos.AcceptRequest) (resp paxos.Response, err error) {
	err = c.do(ctx, http.MethodPost, acceptPath, req, &resp)
	return resp, err
}

func (c *Client) LatestSequencePreparedOrAccepted(ctx context.Context) (int64, error) {
	var resp sequenceResponse
	if err := c.do(ctx, http.MethodGet, latestSequencePath, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

func (c *Client) LatestAccepted(ctx context.Context) (acceptance paxos.Acceptance, err error) {
	err = c.do(ctx, http.MethodGet, latestAcceptedPath, nil, &acceptance)
	return acceptance, err
}

func (c *Client) String() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, c.baseURL+path, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
