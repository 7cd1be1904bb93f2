package api

import (
	"errors"
	"net/http"

	"github.com/filswan/go-mcs-sdk/mcs/api/common/logs"
	"github.com/gin-gonic/gin"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/market"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/scheduler"
	"github.com/lagrangedao/go-compute-market/util"
)

type Handler struct {
	engine *market.Engine
}

func NewHandler(engine *market.Engine) *Handler {
	return &Handler{engine: engine}
}

type SubmitTaskReq struct {
	Description   string `json:"description"`
	RequiredGpu   int    `json:"required_gpu"`
	Owner         string `json:"owner"`
	DurationHours int    `json:"duration_hours"`
}

type RegisterResourceReq struct {
	Provider        string `json:"provider"`
	TotalGpu        int    `json:"total_gpu"`
	PricePerGpuHour int64  `json:"price_per_gpu_hour"`
}

type CreatedResp struct {
	ID string `json:"id"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, util.CreateSuccessResponse(h.engine.NodeInfo()))
}

func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.JsonError, err.Error()))
		return
	}
	id, err := h.engine.SubmitTask(c.Request.Context(), req.Description, req.RequiredGpu, req.Owner, req.DurationHours)
	if err != nil {
		writeError(c, err, util.TaskNotFound)
		return
	}
	logs.GetLogger().Infof("task submitted: %s, owner: %s, gpu: %d", id, req.Owner, req.RequiredGpu)
	c.JSON(http.StatusOK, util.CreateSuccessResponse(CreatedResp{ID: id}))
}

func (h *Handler) ListTasks(c *gin.Context) {
	var status models.TaskStatus
	if s := c.Query("status"); s != "" {
		parsed, ok := models.ParseTaskStatus(s)
		if !ok {
			c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.InvalidArgument, "unknown task status: "+s))
			return
		}
		status = parsed
	}
	tasks, err := h.engine.ListTasks(c.Request.Context(), status)
	if err != nil {
		writeError(c, err, util.TaskNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(tasks))
}

func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, util.TaskNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(task))
}

// CancelTask cancels on behalf of the ?owner= query parameter, which is required.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.InvalidArgument, "owner is required"))
		return
	}
	if err := h.engine.CancelTask(c.Request.Context(), id, owner); err != nil {
		writeError(c, err, util.TaskNotFound)
		return
	}
	task, err := h.engine.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, util.TaskNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(task))
}

func (h *Handler) RegisterResource(c *gin.Context) {
	var req RegisterResourceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.JsonError, err.Error()))
		return
	}
	id, err := h.engine.RegisterResource(c.Request.Context(), req.TotalGpu, req.Provider, req.PricePerGpuHour)
	if err != nil {
		writeError(c, err, util.ResourceNotFound)
		return
	}
	logs.GetLogger().Infof("resource registered: %s, provider: %s, gpu: %d", id, req.Provider, req.TotalGpu)
	c.JSON(http.StatusOK, util.CreateSuccessResponse(CreatedResp{ID: id}))
}

func (h *Handler) ListResources(c *gin.Context) {
	resources, err := h.engine.ListResources(c.Request.Context())
	if err != nil {
		writeError(c, err, util.ResourceNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(resources))
}

func (h *Handler) GetResource(c *gin.Context) {
	res, err := h.engine.GetResource(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, util.ResourceNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(res))
}

func (h *Handler) GetReservation(c *gin.Context) {
	res, err := h.engine.GetReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, util.ReservationNotFound)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(res))
}

func (h *Handler) GetSettlement(c *gin.Context) {
	rec, err := h.engine.GetSettlement(c.Request.Context(), c.Param("reservation_id"))
	if err != nil {
		writeError(c, err, util.SettlementMissing)
		return
	}
	c.JSON(http.StatusOK, util.CreateSuccessResponse(rec))
}

// StreamEvents upgrades to a websocket and streams events matching the
// ?type= (repeatable) and ?task_id= filters until the client goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	var preds []eventbus.Predicate
	if types := c.QueryArray("type"); len(types) > 0 {
		var ets []models.EventType
		for _, t := range types {
			ets = append(ets, models.EventType(t))
		}
		preds = append(preds, eventbus.ByType(ets...))
	}
	if taskID := c.Query("task_id"); taskID != "" {
		preds = append(preds, eventbus.ByTask(taskID))
	}

	conn, err := upgrade.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.GetLogger().Errorf("Failed upgrade event stream, error: %v", err)
		return
	}
	ws := NewWsClient(conn)
	defer ws.Close()

	ctx, cancel := ws.Context(c.Request.Context())
	defer cancel()
	ws.ReadMessage()
	ws.Stream(ctx, h.engine.SubscribeEvents(ctx, eventbus.And(preds...)))
}

// writeError maps engine errors to HTTP status and envelope code. notFound is
// the code used for a missing entity.
func writeError(c *gin.Context, err error, notFound int) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		c.JSON(http.StatusNotFound, util.CreateErrorResponse(notFound, err.Error()))
	case errors.Is(err, scheduler.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.InvalidArgument, err.Error()))
	case errors.Is(err, scheduler.ErrNotOwner):
		c.JSON(http.StatusForbidden, util.CreateErrorResponse(util.NotOwner, err.Error()))
	case errors.Is(err, scheduler.ErrCancelRejected):
		c.JSON(http.StatusConflict, util.CreateErrorResponse(util.CancelRejected, err.Error()))
	default:
		logs.GetLogger().Errorf("request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, util.CreateErrorResponse(util.ServerError, err.Error()))
	}
}
