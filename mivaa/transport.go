package mivaa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Call describes one logical request. Direct transports use Method and
// Path; the gateway uses Action and folds Params into the payload.
type Call struct {
	Action string
	Method string
	Path   string
	Params map[string]string
	Body   any
}

type Transport interface {
	Do(ctx context.Context, call Call) ([]byte, error)
}

// DirectTransport talks to the MIVAA REST API.
type DirectTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewDirectTransport(baseURL, token string, timeout time.Duration) *DirectTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DirectTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *DirectTransport) Do(ctx context.Context, call Call) ([]byte, error) {
	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", call.Action, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, t.baseURL+call.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", call.Action, err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(t.httpClient, req, call.Action)
}

// GatewayTransport sends every call through the Supabase edge function
// that proxies to MIVAA: POST /functions/v1/<fn> {"action", "payload"}.
type GatewayTransport struct {
	url        string
	key        string
	httpClient *http.Client
}

func NewGatewayTransport(supabaseURL, serviceKey, function string, timeout time.Duration) *GatewayTransport {
	if function == "" {
		function = "mivaa-gateway"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GatewayTransport{
		url:        strings.TrimRight(supabaseURL, "/") + "/functions/v1/" + function,
		key:        serviceKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *GatewayTransport) Do(ctx context.Context, call Call) ([]byte, error) {
	payload := map[string]any{}
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", call.Action, err)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			// non-object bodies travel untouched under "data"
			payload = map[string]any{"data": call.Body}
		}
	}
	for k, v := range call.Params {
		payload[k] = v
	}

	data, err := json.Marshal(map[string]any{
		"action":  call.Action,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal gateway request: %w", call.Action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", call.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", t.key)
	req.Header.Set("Authorization", "Bearer "+t.key)
	return send(t.httpClient, req, call.Action)
}

func send(client *http.Client, req *http.Request, action string) ([]byte, error) {
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	log := slog.Default().With("action", action, "request_id", requestID)
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		log.Debug("request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, fmt.Errorf("%s: failed to send request: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", action, err)
	}

	log.Debug("response",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Action: action, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
