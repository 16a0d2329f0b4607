package ports

import "github.com/gin-gonic/gin"

type RoomHandler interface {
	CreateRoom(c *gin.Context)
	GetRoom(c *gin.Context)
	UpdateRoom(c *gin.Context)
	DeleteRoom(c *gin.Context)
	JoinRoom(c *gin.Context)
	ListRooms(c *gin.Context)
	ListPublicRooms(c *gin.Context)
}

type ElementHandler interface {
	GetElements(c *gin.Context)
	ReplaceElements(c *gin.Context)
	ClearElements(c *gin.Context)
}
