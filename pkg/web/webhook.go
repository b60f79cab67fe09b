package web

import (
	"strings"

	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"
)

// Webhook accepts any method on /webhook/:webhookId and anything below it. The route is
// chosen by webhook id alone, the rest of the path is handed to the execution.
//
// Strings read from the context point into fasthttp's pooled request buffer, which the next
// request overwrites. Everything handed to the execution is copied first.
func (h *APIHandlers) Webhook(c fiber.Ctx) error {
	req := dispatcher.WebhookRequest{
		Method:  utils.CopyString(c.Method()),
		Path:    utils.CopyString(c.Path()),
		Headers: flattenHeaders(c.GetReqHeaders()),
		Query:   copyQuery(c.Queries()),
		Body:    append([]byte(nil), c.Body()...),
	}

	webhookID := utils.CopyString(c.Params("webhookId"))

	execution, err := h.executionService.Webhook(c.Context(), webhookID, req)
	if err != nil {
		return handleWebhookError(c, err)
	}

	return c.JSON(WebhookResponse{Success: true, ExecutionID: execution.ID})
}

func flattenHeaders(headers map[string][]string) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[utils.CopyString(key)] = utils.CopyString(strings.Join(values, ", "))
	}

	return flat
}

func copyQuery(query map[string]string) map[string]string {
	copied := make(map[string]string, len(query))
	for key, value := range query {
		copied[utils.CopyString(key)] = utils.CopyString(value)
	}

	return copied
}
