package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bumpxchange/exchange-server/internal/api"
	apperrors "github.com/bumpxchange/exchange-server/internal/errors"
	"github.com/bumpxchange/exchange-server/internal/httputil"
)

// API is the exchange server as seen by one device.
type API interface {
	Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error)
	SubmitHit(ctx context.Context, req api.HitRequest) (*api.HitResponse, error)
	Status(ctx context.Context, sessionID string) (*api.StatusResponse, error)
	Scan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error)
	CompleteScan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error)
	Pair(ctx context.Context, token, sessionID string) (*api.PairResponse, error)
}

const defaultRequestTimeout = 10 * time.Second

// HTTPClient calls the /v1/exchange endpoints. Error bodies come back as
// *apperrors.AppError so callers can branch on the code; anything else is a
// transport failure.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/") + api.BasePath,
		http:    httpClient,
	}
}

func (c *HTTPClient) Initiate(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error) {
	var out api.InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/initiate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SubmitHit(ctx context.Context, req api.HitRequest) (*api.HitResponse, error) {
	var out api.HitResponse
	if err := c.do(ctx, http.MethodPost, "/hit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Status(ctx context.Context, sessionID string) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Scan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error) {
	var out api.ScanResponse
	if err := c.do(ctx, http.MethodPost, "/scan", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CompleteScan(ctx context.Context, req api.ScanRequest) (*api.ScanResponse, error) {
	var out api.ScanResponse
	if err := c.do(ctx, http.MethodPost, "/scan/complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Pair(ctx context.Context, token, sessionID string) (*api.PairResponse, error) {
	var out api.PairResponse
	path := "/pair/" + url.PathEscape(token) + "?session=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody httputil.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return apperrors.New(errBody.Code, errBody.Error).WithDetails(errBody.Details)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
