package http

import (
	"net/http"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/internal/infrastructure/middleware"
	"boardnet/pkg/errors"
	"boardnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the room and element endpoints. Every route expects
// AuthMiddleware to have run.
type RoomHandler struct {
	rooms ports.RoomService
}

var (
	_ ports.RoomHandler    = (*RoomHandler)(nil)
	_ ports.ElementHandler = (*RoomHandler)(nil)
)

func NewRoomHandler(rooms ports.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(api *gin.RouterGroup) {
	rooms := api.Group("/rooms")
	{
		rooms.GET("", h.ListRooms)
		rooms.POST("", h.CreateRoom)
		rooms.GET("/public", h.ListPublicRooms)
		rooms.GET("/:id", h.GetRoom)
		rooms.PATCH("/:id", h.UpdateRoom)
		rooms.DELETE("/:id", h.DeleteRoom)
		rooms.POST("/:id/join", h.JoinRoom)

		rooms.GET("/:id/elements", h.GetElements)
		rooms.PUT("/:id/elements", h.ReplaceElements)
		rooms.DELETE("/:id/elements", h.ClearElements)
	}
}

// callerAndRoom pulls the signed-in user and the validated :id parameter.
// On failure the error is already pushed and ok is false.
func callerAndRoom(c *gin.Context) (domain.UserID, domain.RoomID, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(domain.ErrUnauthenticated)
		return "", "", false
	}
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", "", false
	}
	return user.ID, domain.RoomID(id), true
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(domain.ErrUnauthenticated)
		return
	}

	var req CreateRoomRequest
	// An empty body creates a room with the default name.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	if err := validation.ValidateRoomName(req.Name); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), user.ID, req.Name)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), caller, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) UpdateRoom(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}

	var patch domain.RoomPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if patch.Name != nil {
		if err := validation.ValidateRoomName(*patch.Name); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	room, err := h.rooms.UpdateRoom(c.Request.Context(), caller, id, patch)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}
	if err := h.rooms.DeleteRoom(c.Request.Context(), caller, id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) JoinRoom(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}
	room, err := h.rooms.JoinRoom(c.Request.Context(), caller, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(domain.ErrUnauthenticated)
		return
	}
	rooms, err := h.rooms.ListRoomsForUser(c.Request.Context(), user.ID)
	if err != nil {
		c.Error(err)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) ListPublicRooms(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(domain.ErrUnauthenticated)
		return
	}
	rooms, err := h.rooms.ListPublicRooms(c.Request.Context(), user.ID)
	if err != nil {
		c.Error(err)
		return
	}
	if rooms == nil {
		rooms = []domain.RoomSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetElements(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}
	elements, err := h.rooms.GetElements(c.Request.Context(), caller, id)
	if err != nil {
		c.Error(err)
		return
	}
	if elements == nil {
		elements = []domain.Element{}
	}
	c.JSON(http.StatusOK, gin.H{"elements": elements})
}

// ReplaceElementsRequest is the body of PUT /rooms/:id/elements. Notes,
// when present, are saved alongside the snapshot.
type ReplaceElementsRequest struct {
	Elements []domain.Element `json:"elements"`
	Notes    *string          `json:"notes,omitempty"`
}

func (h *RoomHandler) ReplaceElements(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}

	var req ReplaceElementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.Elements == nil {
		req.Elements = []domain.Element{}
	}

	if err := h.rooms.ReplaceElements(c.Request.Context(), caller, id, req.Elements, req.Notes); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) ClearElements(c *gin.Context) {
	caller, id, ok := callerAndRoom(c)
	if !ok {
		return
	}
	if err := h.rooms.ClearElements(c.Request.Context(), caller, id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
