package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukex/conduit/pkg/channels/gochannel"
	"github.com/dukex/conduit/pkg/credentials"
	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/notifier"
	"github.com/dukex/conduit/pkg/persistence/file"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/registry"
	"github.com/dukex/conduit/pkg/services"
	"github.com/dukex/conduit/pkg/testutil"
	"github.com/dukex/conduit/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "test-user"

type testApp struct {
	app    *fiber.App
	engine *engine.Engine
}

func setupTestApp(t *testing.T, extra ...protocol.NodeType) *testApp {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())

	reg := registry.New(log.Discard())
	reg.RegisterDefaultNodes()

	for _, nodeType := range extra {
		require.NoError(t, reg.Register(nodeType))
	}

	pub, sub, err := gochannel.CreateChannel(log.NewWatermillAdapter(log.Discard()))
	require.NoError(t, err)

	events, err := notifier.New(pub, sub, log.Discard())
	require.NoError(t, err)

	sealer, err := credentials.NewSealer([]byte("test-master-key"), credentials.WithScryptCost(16))
	require.NoError(t, err)

	vault := credentials.NewVault(credentials.NewMemoryStore(), sealer, log.Discard())

	eng := engine.New(reg, persistence,
		engine.WithCredentials(vault),
		engine.WithNotifier(events),
		engine.WithLogger(log.Discard()),
	)
	disp := dispatcher.New(eng, persistence, dispatcher.WithLogger(log.Discard()))

	t.Cleanup(func() {
		eng.Wait()
		_ = events.Close()
	})

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(persistence, disp, eng),
		services.NewExecution(eng, disp, persistence, persistence, events),
		services.NewCredential(vault),
		services.NewNodeTypes(reg),
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.Register(app)

	return &testApp{app: app, engine: eng}
}

func (a *testApp) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func asUser() map[string]string {
	return map[string]string{web.UserHeader: testUser}
}

func webhookRequest(webhookID string) web.WorkflowRequest {
	workflow := testutil.CreateWebhookWorkflow(webhookID)

	return web.WorkflowRequest{
		Name:        workflow.Name,
		Nodes:       workflow.Nodes,
		Connections: workflow.Connections,
		Triggers:    workflow.Triggers,
		Variables:   workflow.Variables,
	}
}

func (a *testApp) createActive(t *testing.T, req web.WorkflowRequest) *models.Workflow {
	t.Helper()

	resp, body := a.do(t, http.MethodPost, "/workflows", req, asUser())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = a.do(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	return &created
}

func decodeProblem(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))

	return problem
}

func TestAPI_RequiresUser(t *testing.T) {
	a := setupTestApp(t)

	for _, path := range []string{"/workflows", "/executions/x", "/node-types"} {
		resp, body := a.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "unauthorized", decodeProblem(t, body)["type"])
	}

	resp, _ := a.do(t, http.MethodPost, "/credentials", map[string]any{
		"name":   "stripe",
		"secret": map[string]any{"token": "sk_live_123"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	a := setupTestApp(t)

	resp, body := a.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_WorkflowLifecycle(t *testing.T) {
	a := setupTestApp(t)

	resp, body := a.do(t, http.MethodPost, "/workflows", webhookRequest("orders"), asUser())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, testUser, created.Owner)
	assert.False(t, created.Active)

	resp, body = a.do(t, http.MethodGet, "/workflows", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []*models.Workflow
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)

	resp, _ = a.do(t, http.MethodGet, "/workflows", nil, map[string]string{web.UserHeader: "someone-else"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	update := webhookRequest("orders")
	update.Name = "Renamed"
	resp, body = a.do(t, http.MethodPut, "/workflows/"+created.ID, update, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = a.do(t, http.MethodGet, "/workflows/"+created.ID, nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"Renamed"`)

	resp, _ = a.do(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/webhook/orders", `{"id":1}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/workflows/"+created.ID+"/deactivate", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/webhook/orders", `{"id":1}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodDelete, "/workflows/"+created.ID, nil, asUser())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/workflows/"+created.ID, nil, asUser())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", decodeProblem(t, body)["type"])
}

func TestAPI_CreateWorkflowValidation(t *testing.T) {
	a := setupTestApp(t)

	t.Run("malformed json", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, "/workflows", "{not json", asUser())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("short name", func(t *testing.T) {
		req := webhookRequest("orders")
		req.Name = "x"

		resp, _ := a.do(t, http.MethodPost, "/workflows", req, asUser())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown node type", func(t *testing.T) {
		req := webhookRequest("orders")
		req.Nodes[1].Type = "does-not-exist"

		resp, body := a.do(t, http.MethodPost, "/workflows", req, asUser())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decodeProblem(t, body)["detail"], "unknown node type")
	})

	t.Run("dangling connection", func(t *testing.T) {
		req := webhookRequest("orders")
		req.Connections = append(req.Connections, testutil.Connect("log", "ghost"))

		resp, _ := a.do(t, http.MethodPost, "/workflows", req, asUser())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_Webhook(t *testing.T) {
	a := setupTestApp(t)

	req := webhookRequest("orders")
	req.Triggers[0].Webhook.Methods = []string{"POST"}
	req.Triggers[0].Webhook.Protection = models.WebhookProtection{
		Mode:   models.ProtectionAccessKey,
		Field:  "X-Api-Key",
		Secret: "s3cret",
	}
	req.Triggers[0].Webhook.BodySchema = map[string]any{
		"type":     "object",
		"required": []any{"id"},
	}
	created := a.createActive(t, req)

	key := map[string]string{"X-Api-Key": "s3cret"}

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		status  int
	}{
		{"unknown webhook", http.MethodPost, "/webhook/nope", `{}`, key, http.StatusNotFound},
		{"method not allowed", http.MethodGet, "/webhook/orders", nil, key, http.StatusMethodNotAllowed},
		{"missing key", http.MethodPost, "/webhook/orders", `{"id":1}`, nil, http.StatusUnauthorized},
		{"wrong key", http.MethodPost, "/webhook/orders", `{"id":1}`, map[string]string{"X-Api-Key": "nope"}, http.StatusForbidden},
		{"body fails schema", http.MethodPost, "/webhook/orders", `{"other":1}`, key, http.StatusBadRequest},
		{"accepted", http.MethodPost, "/webhook/orders", `{"id":1}`, key, http.StatusOK},
		{"accepted with sub path", http.MethodPost, "/webhook/orders/extra/path?x=1", `{"id":2}`, key, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := a.do(t, tt.method, tt.path, tt.body, tt.headers)
			require.Equal(t, tt.status, resp.StatusCode, string(body))

			if tt.status == http.StatusOK {
				var ack web.WebhookResponse
				require.NoError(t, json.Unmarshal(body, &ack))
				assert.True(t, ack.Success)
				assert.NotEmpty(t, ack.ExecutionID)
			}
		})
	}

	a.engine.Wait()

	resp, body := a.do(t, http.MethodGet, "/workflows/"+created.ID+"/executions", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []*models.Execution
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2, "rejected calls never create executions")

	for _, execution := range history {
		assert.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, models.TriggerKindWebhook, execution.Mode)
		assert.NotContains(t, mustJSON(t, execution), "s3cret")
	}
}

func TestAPI_ManualRun(t *testing.T) {
	a := setupTestApp(t)

	req := webhookRequest("orders")
	req.Triggers = append(req.Triggers, &models.Trigger{NodeID: "hook", Kind: models.TriggerKindManual, Active: true})

	resp, body := a.do(t, http.MethodPost, "/workflows", req, asUser())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	t.Run("inactive workflow conflicts", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, "/workflows/"+created.ID+"/run", map[string]any{}, asUser())
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, "/workflows/missing/run", map[string]any{}, asUser())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	resp, _ = a.do(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = a.do(t, http.MethodPost, "/workflows/"+created.ID+"/run",
		services.RunRequest{TriggerNodeID: "hook", Data: map[string]any{"k": "v"}}, asUser())
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var run web.RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	require.NotEmpty(t, run.ExecutionID)

	a.engine.Wait()

	resp, body = a.do(t, http.MethodGet, "/executions/"+run.ExecutionID, nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution models.Execution
	require.NoError(t, json.Unmarshal(body, &execution))
	assert.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, models.TriggerKindManual, execution.Mode)
	assert.Equal(t, testUser, execution.ActorID)
	require.Len(t, execution.Results, 2)

	t.Run("cancel after finish", func(t *testing.T) {
		resp, body := a.do(t, http.MethodPost, "/executions/"+run.ExecutionID+"/cancel", nil, asUser())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "not_cancellable", decodeProblem(t, body)["type"])
	})

	t.Run("cancel unknown", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, "/executions/unknown/cancel", nil, asUser())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("events of a finished execution", func(t *testing.T) {
		resp, body := a.do(t, http.MethodGet, "/executions/"+run.ExecutionID+"/events", nil, asUser())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		scanner := bufio.NewScanner(bytes.NewReader(body))

		var lines []string
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lines = append(lines, line)
			}
		}

		require.Len(t, lines, 2)
		assert.Equal(t, "event: execution.finished", lines[0])
		assert.Contains(t, lines[1], `"status":"SUCCESS"`)
	})
}

func TestAPI_Credentials(t *testing.T) {
	a := setupTestApp(t)

	resp, body := a.do(t, http.MethodPost, "/credentials", map[string]any{
		"name":   "stripe",
		"type":   "apiKey",
		"secret": map[string]any{"token": "sk_live_123"},
	}, asUser())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "sk_live_123")

	var view services.CredentialView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, testUser, view.OwnerID)

	resp, _ = a.do(t, http.MethodPost, "/credentials", map[string]any{"name": "empty"}, asUser())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_NodeTypes(t *testing.T) {
	a := setupTestApp(t)

	resp, body := a.do(t, http.MethodGet, "/node-types", nil, asUser())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var descriptions []models.NodeTypeDescription
	require.NoError(t, json.Unmarshal(body, &descriptions))

	types := make([]string, 0, len(descriptions))
	for _, description := range descriptions {
		types = append(types, description.Type)
	}

	assert.Contains(t, types, "webhook")
	assert.Contains(t, types, "log")
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return string(data)
}

func TestAPI_WebhookRequestsDoNotShareBuffers(t *testing.T) {
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	seen := make(chan string, 2)

	gate := testutil.NewFuncNode("gate", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		arrived <- struct{}{}
		<-release

		item := req.Input[models.MainPort][0]
		headers, _ := item["headers"].(map[string]any)
		query, _ := item["query"].(map[string]any)
		seen <- fmt.Sprintf("%v|%v|%v", headers["X-Request-Tag"], query["q"], item["path"])

		return req.Input, nil
	})

	a := setupTestApp(t, gate)

	var once sync.Once
	open := func() { once.Do(func() { close(release) }) }
	t.Cleanup(open)

	req := webhookRequest("gated")
	req.Nodes[1] = testutil.CreateTestNode("log", "gate")
	a.createActive(t, req)

	send := func(tag string) {
		resp, body := a.do(t, http.MethodPost, "/webhook/gated/"+tag+"?q="+tag, map[string]any{},
			map[string]string{"X-Request-Tag": tag})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("execution did not reach the gate")
		}
	}

	first := strings.Repeat("A", 16)
	second := strings.Repeat("B", 16)

	send(first)
	send(second)
	open()

	var got []string

	for range 2 {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatal("gate did not report")
		}
	}

	assert.ElementsMatch(t, []string{
		first + "|" + first + "|/webhook/gated/" + first,
		second + "|" + second + "|/webhook/gated/" + second,
	}, got)
}
