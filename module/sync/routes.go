package sync

import (
	mid "SProject/middleware"

	"github.com/gin-gonic/gin"
)

func registerRoutes(r gin.IRoutes, h *Handler) {
	auth := mid.RouteOpt{IsAuth: true}
	mid.POST(r, "/api/v1/sync", h.HandleSync, auth)
	mid.GET(r, "/api/v1/sync/conflicts", h.HandleListConflicts, auth)
	mid.GET(r, "/api/v1/sync/devices", h.HandleListDevices, auth)
	mid.DELETE(r, "/api/v1/sync/devices/:device_id", h.HandleForgetDevice, auth)
}
