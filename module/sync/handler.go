package sync

import (
	"net/http"

	"SProject/global"
	midsec "SProject/middleware/security"
	"SProject/module/device"
	syncsrv "SProject/module/sync/service"
	"SProject/tools/errs"

	"github.com/gin-gonic/gin"
)

// Handler HTTP 入口，业务都在 Orchestrator / Registry 里。
type Handler struct {
	Orch     *syncsrv.Orchestrator
	Registry *device.Registry
}

func NewHandler(orch *syncsrv.Orchestrator, reg *device.Registry) *Handler {
	return &Handler{Orch: orch, Registry: reg}
}

// HandleSync POST /api/v1/sync
// 推拉一轮；整体校验失败 400，单条冲突/失败走响应里的结构化结果。
func (h *Handler) HandleSync(c *gin.Context) {
	userID := midsec.UserID(c)

	var req syncsrv.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, global.Fail(errs.ErrArgs.WrapMsg(err.Error())))
		return
	}

	resp, err := h.Orch.Sync(c.Request.Context(), userID, &req)
	if err != nil {
		status := http.StatusInternalServerError
		switch errs.CodeOf(err) {
		case errs.ArgsError, errs.BatchTooLargeError, errs.UnknownEntityError, errs.InvalidOperationError:
			status = http.StatusBadRequest
		case errs.StoreTransientError:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Sucess(resp))
}

// HandleListConflicts GET /api/v1/sync/conflicts
// 最近的冲突审计，给排查和客户端的“解决中心”用。
func (h *Handler) HandleListConflicts(c *gin.Context) {
	userID := midsec.UserID(c)

	logs, err := h.Orch.RecentConflicts(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"conflicts": logs}))
}

// HandleListDevices GET /api/v1/sync/devices
func (h *Handler) HandleListDevices(c *gin.Context) {
	userID := midsec.UserID(c)

	devices, err := h.Registry.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"devices": devices}))
}

// HandleForgetDevice DELETE /api/v1/sync/devices/:device_id
// 注销设备：在场行、它的映射、在线镜像一起清掉。
func (h *Handler) HandleForgetDevice(c *gin.Context) {
	userID := midsec.UserID(c)
	deviceID := c.Param("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, global.Fail(errs.ErrArgs.WrapMsg("device_id is required")))
		return
	}

	if err := h.Registry.Forget(c.Request.Context(), userID, deviceID); err != nil {
		c.JSON(http.StatusInternalServerError, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"device_id": deviceID}))
}

// Register 挂路由，全部需要认证
func (h *Handler) Register(r gin.IRoutes) {
	registerRoutes(r, h)
}
