package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"QuantFlow/internal/domain/models"
	xhttp "QuantFlow/pkg/http"
)

// apiClient talks to the QuantFlow HTTP API.
type apiClient struct {
	base string
	http *xhttp.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: xhttp.NewClient(xhttp.WithTimeout(timeout), xhttp.WithUserAgent("qfctl")),
	}
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// apiError is a non-2xx answer decoded from the response envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server answered %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *apiClient) StartRun(ctx context.Context, req models.StartRunRequest) (*models.RunResponse, error) {
	var out models.RunResponse
	return &out, c.call(ctx, xhttp.MethodPost, "/api/runs", nil, req, &out)
}

func (c *apiClient) ResumeRun(ctx context.Context, runID string, req models.ResumeRunRequest) (*models.RunResponse, error) {
	var out models.RunResponse
	return &out, c.call(ctx, xhttp.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/resume", nil, req, &out)
}

func (c *apiClient) GetRun(ctx context.Context, runID string) (*models.RunResponse, error) {
	var out models.RunResponse
	return &out, c.call(ctx, xhttp.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, nil, &out)
}

func (c *apiClient) Snapshot(ctx context.Context, collection, field string) (models.Snapshot, error) {
	q := map[string][]string{}
	if collection != "" {
		q["collection"] = []string{collection}
	}
	if field != "" {
		q["field"] = []string{field}
	}
	var out models.Snapshot
	return out, c.call(ctx, xhttp.MethodGet, "/api/store/snapshot", q, nil, &out)
}

// StreamURL turns the API base into the websocket URL for runID.
func (c *apiClient) StreamURL(runID string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/runs/" + runID
	u.RawPath = ""
	return u.String(), nil
}

func (c *apiClient) call(ctx context.Context, method, path string, query map[string][]string, body, dest interface{}) error {
	var env envelope
	err := c.http.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      method,
		URL:         c.base + path,
		QueryParams: query,
		Body:        body,
		Headers:     map[string]string{"Accept": "application/json"},
	}, &env)

	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return decodeError(se)
	}
	if err != nil {
		return err
	}
	if dest == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func decodeError(se *xhttp.StatusError) error {
	out := &apiError{Status: se.Code, Message: strings.TrimSpace(se.Body)}
	var env envelope
	if json.Unmarshal([]byte(se.Body), &env) != nil {
		return out
	}
	out.Message = env.Message
	var details []xhttp.ValidationError
	if json.Unmarshal(env.Data, &details) == nil && len(details) > 0 {
		out.Code = details[0].Code
		if details[0].Message != "" {
			out.Message = details[0].Message
		}
	}
	return out
}
