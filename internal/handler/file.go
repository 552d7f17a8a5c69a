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

type FileHandler struct {
	service   service.FileRegistrar
	validator *validator.Validate
}

func NewFileHandler(svc service.FileRegistrar, v *validator.Validate) *FileHandler {
	return &FileHandler{
		service:   svc,
		validator: v,
	}
}

// Register handles POST /api/files
func (h *FileHandler) Register(c *fiber.Ctx) error {
	var req model.FileRegisterRequest
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

// Get handles GET /api/files/:id
func (h *FileHandler) Get(c *fiber.Ctx) error {
	result, err := h.service.Get(c.Context(), ownerID(c), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "File not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
