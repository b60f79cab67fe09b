// Package httprequest provides the HTTP request node type.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	TypeKey = "httprequest"

	// CredentialSlot is the slot holding token, username/password or header/value secrets.
	CredentialSlot = "auth"

	defaultTimeout = 30 * time.Second
)

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	http.MethodPatch: true, http.MethodHead: true, http.MethodOptions: true,
}

// Node performs one HTTP call per invocation.
type Node struct {
	client *http.Client
}

type Option func(*Node)

// WithClient replaces the HTTP client, mostly for tests.
func WithClient(client *http.Client) Option {
	return func(n *Node) {
		n.client = client
	}
}

func New(opts ...Option) *Node {
	n := &Node{client: &http.Client{}}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// HTTPError is returned for responses with status >= 400.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (n *Node) Describe() models.NodeTypeDescription {
	minTimeout, maxTimeout := 1.0, 300.0

	return models.NodeTypeDescription{
		Type:        TypeKey,
		DisplayName: "HTTP Request",
		Description: "Calls an HTTP endpoint and emits the response",
		Inputs:      []models.InputPortSpec{{Name: models.MainPort, Required: true}},
		Outputs:     []string{models.MainPort},
		Properties: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"url":            {Type: "string", Description: "Request URL"},
				"method":         {Type: "string", Description: "HTTP method, case insensitive", Default: http.MethodGet},
				"headers":        {Type: "object", Description: "Extra request headers"},
				"body":           {Description: "Request body, objects are sent as JSON"},
				"timeoutSeconds": {Type: "number", Default: 30.0, Minimum: &minTimeout, Maximum: &maxTimeout},
			},
			Required: []string{"url"},
		},
		CredentialSlots: []string{CredentialSlot},
	}
}

func (n *Node) Execute(ctx context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	params := req.Parameters

	url, _ := params["url"].(string)
	if url == "" {
		return nil, protocol.Permanent(fmt.Errorf("missing required field 'url'"))
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if !validMethods[method] {
		return nil, protocol.Permanent(fmt.Errorf("invalid HTTP method: %s", method))
	}

	timeout := defaultTimeout
	if seconds, ok := params["timeoutSeconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	}

	body, err := encodeBody(params["body"])
	if err != nil {
		return nil, protocol.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			httpReq.Header.Set(key, fmt.Sprint(value))
		}
	}

	if body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	applyAuth(httpReq, req.Credentials)

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
		// Only server errors and throttling are worth another attempt.
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, httpErr
		}

		return nil, protocol.Permanent(httpErr)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	item := models.Item{
		"statusCode": resp.StatusCode,
		"headers":    headers,
		"body":       string(respBody),
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		item["json"] = parsed
	}

	return models.PortData{models.MainPort: models.Items{item}}, nil
}

func encodeBody(body any) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode body: %w", err)
		}

		return string(encoded), nil
	}
}

func applyAuth(req *http.Request, secrets protocol.Secrets) {
	if token := secrets.String(CredentialSlot, "token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)

		return
	}

	if user := secrets.String(CredentialSlot, "username"); user != "" {
		req.SetBasicAuth(user, secrets.String(CredentialSlot, "password"))

		return
	}

	if header := secrets.String(CredentialSlot, "header"); header != "" {
		req.Header.Set(header, secrets.String(CredentialSlot, "value"))
	}
}
