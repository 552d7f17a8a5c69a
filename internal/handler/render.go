package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

type RenderHandler struct {
	service   service.RenderStarter
	validator *validator.Validate
}

func NewRenderHandler(svc service.RenderStarter, v *validator.Validate) *RenderHandler {
	return &RenderHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/renders
func (h *RenderHandler) Start(c *fiber.Ctx) error {
	var req model.RenderStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.Context(), ownerID(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrQuotaExceeded) {
			return response.QuotaExceeded(c, "Render quota exceeded")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/renders/:id
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Render job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/renders/:id/cancel
func (h *RenderHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Render job not found")
		}
		if errors.Is(err, service.ErrAlreadyTerminal) {
			return response.Conflict(c, "Render job already finished")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// ownerID extracts the authenticated user id set by the auth middleware.
func ownerID(c *fiber.Ctx) string {
	if id, ok := c.Locals("userId").(string); ok {
		return id
	}
	return ""
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
