package web

import (
	"errors"
	"strings"

	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

var errInvalidJSON = errors.New("invalid JSON format")

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func statusProblem(c fiber.Ctx, status int, problemType, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return statusProblem(c, fiber.StatusBadRequest, "validation_error", err.Error())

	case services.IsNotCancellable(err):
		return statusProblem(c, fiber.StatusBadRequest, "not_cancellable", err.Error())

	case services.IsConflictError(err):
		return statusProblem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, services.ErrWorkflowNotFound):
		return statusProblem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case errors.Is(err, services.ErrExecutionNotFound):
		return statusProblem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	default:
		// Log unexpected errors but don't expose details
		return internalError(c, err)
	}
}

// handleWebhookError maps dispatcher rejections onto the webhook status codes.
func handleWebhookError(c fiber.Ctx, err error) error {
	var payloadErr *dispatcher.PayloadError

	switch {
	case errors.Is(err, dispatcher.ErrWebhookNotFound):
		return statusProblem(c, fiber.StatusNotFound, "webhook_not_found", "webhook not found")

	case errors.Is(err, dispatcher.ErrMethodNotAllowed):
		return statusProblem(c, fiber.StatusMethodNotAllowed, "method_not_allowed", err.Error())

	case errors.Is(err, dispatcher.ErrUnauthorized):
		return statusProblem(c, fiber.StatusUnauthorized, "unauthorized", "webhook credential missing")

	case errors.Is(err, dispatcher.ErrForbidden):
		return statusProblem(c, fiber.StatusForbidden, "forbidden", "webhook credential rejected")

	case errors.As(err, &payloadErr):
		return statusProblem(c, fiber.StatusBadRequest, "invalid_payload", strings.Join(payloadErr.Details, "; "))

	case errors.Is(err, dispatcher.ErrPayloadInvalid):
		return statusProblem(c, fiber.StatusBadRequest, "invalid_payload", err.Error())

	default:
		return internalError(c, err)
	}
}
