package dispatcher

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// WebhookRequest is the transport independent view of an inbound webhook call.
type WebhookRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

func newWebhookRoute(workflow *models.Workflow, trigger *models.Trigger) (*webhookRoute, error) {
	settings := trigger.Webhook
	if settings == nil || settings.ID == "" {
		return nil, fmt.Errorf("%w: webhook trigger without id", ErrInvalidTrigger)
	}

	if strings.ContainsAny(settings.ID, "/?#") {
		return nil, fmt.Errorf("%w: webhook id %q contains a reserved character", ErrInvalidTrigger, settings.ID)
	}

	if settings.Protection.Enabled() && settings.Protection.Secret == "" {
		return nil, fmt.Errorf("%w: %s protection without a secret", ErrInvalidTrigger, settings.Protection.Mode)
	}

	route := &webhookRoute{workflow: workflow, trigger: trigger}

	if len(settings.Methods) > 0 {
		route.methods = make(map[string]bool, len(settings.Methods))
		for _, method := range settings.Methods {
			route.methods[strings.ToUpper(method)] = true
		}
	}

	if len(settings.BodySchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(settings.BodySchema))
		if err != nil {
			return nil, fmt.Errorf("%w: body schema: %w", ErrInvalidTrigger, err)
		}

		route.schema = schema
	}

	return route, nil
}

// HandleWebhook routes an inbound call by webhook id alone. Requests failing the method,
// protection or body checks are rejected before any execution is created.
func (d *Dispatcher) HandleWebhook(ctx context.Context, webhookID string, req WebhookRequest) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.webhook",
		attribute.String(otelhelper.WebhookIDKey, webhookID),
	)
	defer span.End()

	d.mu.RLock()
	route, ok := d.webhooks[webhookID]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}

	logger := d.logger.WithFields(logrus.Fields{
		"webhook_id":  webhookID,
		"workflow_id": route.workflow.ID,
	})

	if route.methods != nil && !route.methods[strings.ToUpper(req.Method)] {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, req.Method)
	}

	settings := route.trigger.Webhook

	if err := checkProtection(settings.Protection, req); err != nil {
		logger.WithError(err).Warn("Webhook request rejected")

		return nil, err
	}

	body, err := decodeBody(route, req.Body)
	if err != nil {
		return nil, err
	}

	item := d.triggerItem(models.TriggerKindWebhook, route.trigger.NodeID)
	item["webhookId"] = webhookID
	item["method"] = strings.ToUpper(req.Method)
	item["path"] = req.Path
	item["headers"] = withoutField(req.Headers, settings.Protection)
	item["query"] = withoutField(req.Query, settings.Protection)
	item["body"] = body

	execution, err := d.engine.Start(ctx, engine.RunRequest{
		Workflow:    route.workflow,
		StartNodeID: route.trigger.NodeID,
		Input:       models.PortData{models.MainPort: {item}},
		Mode:        models.TriggerKindWebhook,
	})
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WithError(err).Error("Failed to start execution")

		return nil, err
	}

	logger.WithField("execution_id", execution.ID).Info("Webhook started execution")

	return execution, nil
}

// checkProtection looks for the secret in a header first and then in the query string.
func checkProtection(protection models.WebhookProtection, req WebhookRequest) error {
	if !protection.Enabled() {
		return nil
	}

	field := protection.FieldName()

	value, ok := lookupFold(req.Headers, field)
	if !ok {
		value, ok = req.Query[field]
	}

	if !ok || value == "" {
		return fmt.Errorf("%w: %s", ErrUnauthorized, field)
	}

	if subtle.ConstantTimeCompare([]byte(value), []byte(protection.Secret)) != 1 {
		return fmt.Errorf("%w: %s", ErrForbidden, field)
	}

	return nil
}

// decodeBody parses a JSON body. Non JSON bodies are passed on as text unless the
// webhook declares a body schema.
func decodeBody(route *webhookRoute, raw []byte) (any, error) {
	if len(raw) == 0 {
		if route.schema != nil {
			return nil, &PayloadError{WebhookID: route.trigger.Webhook.ID, Details: []string{"body is required"}}
		}

		return nil, nil
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		if route.schema != nil {
			return nil, &PayloadError{WebhookID: route.trigger.Webhook.ID, Details: []string{"body is not valid JSON"}}
		}

		return string(raw), nil
	}

	if route.schema == nil {
		return body, nil
	}

	result, err := route.schema.Validate(gojsonschema.NewGoLoader(body))
	if err != nil {
		return nil, errors.Join(ErrPayloadInvalid, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			details = append(details, resultErr.String())
		}

		return nil, &PayloadError{WebhookID: route.trigger.Webhook.ID, Details: details}
	}

	return body, nil
}

func lookupFold(values map[string]string, key string) (string, bool) {
	if value, ok := values[key]; ok {
		return value, true
	}

	for k, value := range values {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}

	return "", false
}

// withoutField copies values dropping the protection secret so it never reaches the
// execution record.
func withoutField(values map[string]string, protection models.WebhookProtection) map[string]any {
	field := ""
	if protection.Enabled() {
		field = protection.FieldName()
	}

	copied := make(map[string]any, len(values))

	for key, value := range values {
		if field != "" && strings.EqualFold(key, field) {
			continue
		}

		copied[key] = value
	}

	return copied
}
