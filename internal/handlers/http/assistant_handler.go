package http

import (
	"net/http"

	"boardnet/internal/core/ports"
	"boardnet/pkg/errors"
	"boardnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AssistantHandler struct {
	rooms     ports.RoomService
	assistant ports.AssistantService
}

func NewAssistantHandler(rooms ports.RoomService, assistant ports.AssistantService) *AssistantHandler {
	return &AssistantHandler{rooms: rooms, assistant: assistant}
}

func (h *AssistantHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/rooms/:id/assistant", h.Generate)
}

type GenerateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Generate returns the drawing the model produced for the prompt. The
// elements are not stored: the caller re-ids and appends them to its
// board, which then replicates and saves them like any other edit.
func (h *AssistantHandler) Generate(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("prompt is required"))
		return
	}
	if err := validation.ValidatePrompt(req.Prompt); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if _, err := h.rooms.GetRoom(c.Request.Context(), caller, id); err != nil {
		c.Error(err)
		return
	}

	elements, err := h.assistant.Generate(c.Request.Context(), req.Prompt)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"elements": elements})
}
