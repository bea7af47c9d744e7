// Package httpstore is a JSON REST client for a remote record store.
package httpstore

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
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/worksite/internal/apperr"
	"github.com/smallbiznis/worksite/internal/recordstore/domain"
	"go.uber.org/zap"
)

type Options struct {
	BaseURL    string
	Token      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
	Log        *zap.Logger
}

type Client struct {
	baseURL    string
	token      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	httpClient *http.Client
	log        *zap.Logger
}

func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		httpClient: client,
		log:        log.Named("recordstore.http"),
	}
}

type fieldsBody struct {
	Fields map[string]any `json:"fields"`
}

func (c *Client) Fetch(ctx context.Context, kind domain.Kind, parentID string) (domain.FetchResult, error) {
	var out domain.FetchResult
	err := c.doJSON(ctx, http.MethodGet, collectionPath(parentID, kind), nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	var out domain.Record
	err := c.doJSON(ctx, http.MethodGet, recordPath(kind, id), nil, &out)
	return out, err
}

func (c *Client) Patch(ctx context.Context, kind domain.Kind, id string, fields map[string]any) (domain.PatchResult, error) {
	var out domain.PatchResult
	err := c.doJSON(ctx, http.MethodPatch, recordPath(kind, id), fieldsBody{Fields: fields}, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, kind domain.Kind, id string) (domain.DeleteResult, error) {
	var out domain.DeleteResult
	err := c.doJSON(ctx, http.MethodDelete, recordPath(kind, id), nil, &out)
	return out, err
}

func (c *Client) Create(ctx context.Context, kind domain.Kind, parentID string, fields map[string]any) (domain.Record, error) {
	var out domain.Record
	err := c.doJSON(ctx, http.MethodPost, collectionPath(parentID, kind), fieldsBody{Fields: fields}, &out)
	return out, err
}

func collectionPath(parentID string, kind domain.Kind) string {
	return "/projects/" + url.PathEscape(parentID) + "/records/" + url.PathEscape(string(kind))
}

func recordPath(kind domain.Kind, id string) string {
	return "/records/" + url.PathEscape(string(kind)) + "/" + url.PathEscape(id)
}

type errorPayload struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// errorEnvelope is the {"error": {...}} body written by worksite servers.
type errorEnvelope struct {
	Error *struct {
		Type    string         `json:"type"`
		Message string         `json:"message"`
		Errors  []errorPayload `json:"errors"`
	} `json:"error"`
}

func decodeErrorPayload(body []byte) errorPayload {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		if len(envelope.Error.Errors) > 0 {
			return envelope.Error.Errors[0]
		}
		return errorPayload{Code: envelope.Error.Type, Message: envelope.Error.Message}
	}
	var payload errorPayload
	_ = json.Unmarshal(body, &payload)
	return payload
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	op := method + " " + requestPath
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", ulid.Make().String())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.log.Debug("retrying after transport error", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return apperr.Network(op, waitErr)
				}
				continue
			}
			return apperr.Network(op, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return apperr.Network(op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			decoder := json.NewDecoder(bytes.NewReader(payload))
			decoder.UseNumber()
			if err := decoder.Decode(out); err != nil {
				return apperr.Network(op, fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.log.Debug("retrying after server status", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return apperr.Network(op, waitErr)
			}
			continue
		}

		return statusError(op, requestPath, resp.StatusCode, decodeErrorPayload(payload))
	}
}

func statusError(op, requestPath string, status int, payload errorPayload) error {
	switch status {
	case http.StatusNotFound:
		return apperr.NotFound(resourceKind(requestPath), resourceID(requestPath))
	case http.StatusConflict:
		return apperr.Conflict(resourceID(requestPath), payload.Message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code := payload.Code
		if code == "" {
			code = "invalid_request"
		}
		message := payload.Message
		if message == "" {
			message = http.StatusText(status)
		}
		return apperr.Validation(payload.Field, code, message)
	default:
		var cause error
		if payload.Message != "" {
			cause = errors.New(payload.Message)
		}
		return &apperr.NetworkError{Op: op, StatusCode: status, Err: cause}
	}
}

func resourceKind(requestPath string) string {
	parts := strings.Split(strings.Trim(requestPath, "/"), "/")
	if len(parts) >= 2 && parts[0] == "records" {
		return parts[1]
	}
	return string(domain.KindProject)
}

func resourceID(requestPath string) string {
	parts := strings.Split(strings.Trim(requestPath, "/"), "/")
	if len(parts) >= 3 && parts[0] == "records" {
		id, err := url.PathUnescape(parts[2])
		if err == nil {
			return id
		}
		return parts[2]
	}
	if len(parts) >= 2 {
		return parts[1]
	}
	return requestPath
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
