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

type CaptionHandler struct {
	service   service.CaptionProducer
	validator *validator.Validate
}

func NewCaptionHandler(svc service.CaptionProducer, v *validator.Validate) *CaptionHandler {
	return &CaptionHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/captions
func (h *CaptionHandler) Create(c *fiber.Ctx) error {
	var req model.CaptionCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.Context(), ownerID(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrQuotaExceeded):
			return response.QuotaExceeded(c, "Caption project quota exceeded")
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "File not found")
		case errors.Is(err, service.ErrFileNotReady):
			return response.Conflict(c, "File is not usable for captions")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/captions/:id
func (h *CaptionHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Caption project not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/captions/:id/cancel
func (h *CaptionHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Caption project not found")
		}
		if errors.Is(err, service.ErrAlreadyTerminal) {
			return response.Conflict(c, "Caption project already finished")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
