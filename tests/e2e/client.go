package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// APIError surfaces non-2xx responses from the server.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

//nolint:errorlint
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInvalidLimit:
		return e.Code == "invalid_limit"
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

var (
	ErrInvalidLimit = errors.New("invalid limit")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

type Record struct {
	ID        uint64 `json:"id"`
	Partition uint64 `json:"partition"`
	Payload   string `json:"payload"`
	Timestamp uint64 `json:"timestamp"`
	UniqueID  string `json:"unique_id"`
	Owner     string `json:"owner"`
}

type Page struct {
	Records    []Record `json:"records"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor"`
}

type Client struct {
	baseURL string
	http    *http.Client
	// identity is sent as the bearer token on appends.
	identity string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// As returns a copy of the client that appends on behalf of identity.
func (c *Client) As(identity string) *Client {
	cp := *c
	cp.identity = identity
	return &cp
}

// Init sets the log admin.
func (c *Client) Init(ctx context.Context, admin string) error {
	return c.do(ctx, http.MethodPost, "/v1/admin", map[string]string{"admin": admin}, http.StatusCreated, nil)
}

// Append adds a record with a decimal payload to partition.
func (c *Client) Append(ctx context.Context, partition uint64, payload, owner string) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/partitions/%d/records", partition),
		map[string]string{"payload": payload, "owner": owner}, http.StatusCreated, &rec)
	return rec, err
}

// List fetches one page; an empty cursor starts from the beginning.
func (c *Client) List(ctx context.Context, partition uint64, limit int, cursor string) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page Page
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/partitions/%d/records?%s", partition, q.Encode()), nil, http.StatusOK, &page)
	return page, err
}

// ListAll follows next_cursor until the partition is exhausted.
func (c *Client) ListAll(ctx context.Context, partition uint64, limit int) ([]Record, int, error) {
	var out []Record
	cursor := ""
	for pages := 1; ; pages++ {
		page, err := c.List(ctx, partition, limit, cursor)
		if err != nil {
			return nil, pages, err
		}
		out = append(out, page.Records...)
		if !page.HasMore {
			return out, pages, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) Count(ctx context.Context, partition uint64) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/partitions/%d/count", partition), nil, http.StatusOK, &out)
	return out.Count, err
}

func (c *Client) Partitions(ctx context.Context) ([]uint64, error) {
	var out struct {
		Partitions []uint64 `json:"partitions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/partitions", nil, http.StatusOK, &out)
	return out.Partitions, err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set("Authorization", "Bearer "+c.identity)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return newAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func newAPIError(status int, body []byte) error {
	var e struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &e)
	return &APIError{
		StatusCode: status,
		Code:       e.Code,
		Body:       string(body),
	}
}
