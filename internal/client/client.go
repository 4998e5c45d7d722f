package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/api"
	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/logger"
	"github.com/spigell/profilegen/internal/orgcache"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
	userAgent       = "spigell/profilegen"
	defaultServer   = "http://127.0.0.1:8080"
)

// APIError is a non-2xx answer from the profilegen API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running profilegen server.
type Client struct {
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
}

// New creates a Client for the server base URL. An empty server means the local default.
func New(server string, log *zap.Logger) *Client {
	if server == "" {
		server = defaultServer
	}

	return &Client{
		APIURL: strings.TrimRight(server, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger.OrNop(log),
		UserAgent: userAgent,
	}
}

// Generate submits a single generation.
func (c *Client) Generate(ctx context.Context, positionID string) (*api.GenerateResponse, error) {
	var resp api.GenerateResponse
	if err := c.postJSON(ctx, "/api/generation", api.GenerateRequest{PositionID: positionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the current task snapshot.
func (c *Client) Status(ctx context.Context, taskID string) (*generation.Task, error) {
	var task generation.Task
	if err := c.getJSON(ctx, "/api/generation/"+url.PathEscape(taskID)+"/status", &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (*api.CancelResponse, error) {
	var resp api.CancelResponse
	if err := c.postJSON(ctx, "/api/generation/"+url.PathEscape(taskID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bulk submits a batch. A zero limit lets the server pick its default.
func (c *Client) Bulk(ctx context.Context, positionIDs []string, concurrencyLimit int) (*bulk.Batch, error) {
	var batch bulk.Batch
	req := api.BulkRequest{PositionIDs: positionIDs, ConcurrencyLimit: concurrencyLimit}
	if err := c.postJSON(ctx, "/api/generation/bulk", req, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// BulkStatus returns the aggregate batch status.
func (c *Client) BulkStatus(ctx context.Context, batchID string) (*bulk.Status, error) {
	var status bulk.Status
	if err := c.getJSON(ctx, "/api/generation/bulk/"+url.PathEscape(batchID)+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelBulk cancels every unfinished task of a batch.
func (c *Client) CancelBulk(ctx context.Context, batchID string) (*bulk.Status, error) {
	var status bulk.Status
	if err := c.postJSON(ctx, "/api/generation/bulk/"+url.PathEscape(batchID)+"/cancel", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Positions returns the whole position catalog.
func (c *Client) Positions(ctx context.Context) ([]orgcache.Position, error) {
	return c.positions(ctx, "/api/organization/positions")
}

// PositionsWithoutProfile returns positions that have no generated profile yet.
func (c *Client) PositionsWithoutProfile(ctx context.Context) ([]orgcache.Position, error) {
	return c.positions(ctx, "/api/organization/positions/without-profile")
}

func (c *Client) positions(ctx context.Context, path string) ([]orgcache.Position, error) {
	var resp struct {
		Positions []orgcache.Position `json:"positions"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(c.setHeaders(req), target)
}

func (c *Client) postJSON(ctx context.Context, path string, body, target any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+path, payload)
	if err != nil {
		return err
	}

	req = c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)

	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	c.logger.Debug("make request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseAPIError(resp.StatusCode, data)
	}

	if target == nil {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", contentType)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

func parseAPIError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{StatusCode: status, Message: body.Error}
}
