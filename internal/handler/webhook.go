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

type WebhookHandler struct {
	service   service.WebhookRegistrar
	validator *validator.Validate
}

func NewWebhookHandler(svc service.WebhookRegistrar, v *validator.Validate) *WebhookHandler {
	return &WebhookHandler{
		service:   svc,
		validator: v,
	}
}

// Register handles POST /api/webhooks
func (h *WebhookHandler) Register(c *fiber.Ctx) error {
	var req model.WebhookRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Register(c.Context(), ownerID(c), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}

// Get handles GET /api/webhooks/:id
func (h *WebhookHandler) Get(c *fiber.Ctx) error {
	result, err := h.service.Get(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Webhook not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
