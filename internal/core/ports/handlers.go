package ports

import (
	"github.com/gin-gonic/gin"
)

// HTTPHandler mounts a group of routes.
type HTTPHandler interface {
	SetupRoutes(router gin.IRouter)
}
