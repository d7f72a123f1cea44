package lifecycle

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/pagination"
	"github.com/mbd888/tenantfleet/internal/tenant"
	"github.com/mbd888/tenantfleet/internal/validation"
)

// Handler provides the provisioning API.
type Handler struct {
	driver     *Driver
	dispatcher Submitter
}

// NewHandler creates a provisioning handler. Long-running work is handed
// to dispatcher; the handler only performs the synchronous claim.
func NewHandler(driver *Driver, dispatcher Submitter) *Handler {
	return &Handler{driver: driver, dispatcher: dispatcher}
}

// RegisterAdminRoutes sets up operator-only instance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/instances/provision", h.Provision)
	r.GET("/instances", h.List)

	byID := r.Group("/instances/:id", validation.UUIDParam("id"))
	byID.GET("", h.Get)
	byID.GET("/transitions", h.Transitions)
	byID.POST("/start", h.Start)
	byID.POST("/stop", h.Stop)
	byID.POST("/restart", h.Restart)
	byID.POST("/retry", h.Retry)
	byID.POST("/limits", h.ApplyLimits)
	byID.DELETE("", h.Deprovision)
}

// Provision handles POST /v1/instances/provision
func (h *Handler) Provision(c *gin.Context) {
	var req struct {
		SubscriptionID string `json:"subscriptionId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "subscriptionId is required"})
		return
	}

	if validation.Abort(c, validation.Check(validation.PrefixedID("subscriptionId", req.SubscriptionID, idgen.PrefixSubscription))) {
		return
	}

	inst, err := h.driver.Provision(c.Request.Context(), req.SubscriptionID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, Job{Op: OpResume, InstanceID: inst.ID})
	c.JSON(http.StatusAccepted, gin.H{"instanceId": inst.ID, "status": inst.Status})
}

// Get handles GET /v1/instances/:id
func (h *Handler) Get(c *gin.Context) {
	inst, err := h.driver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": inst})
}

// Transitions handles GET /v1/instances/:id/transitions
func (h *Handler) Transitions(c *gin.Context) {
	trs, err := h.driver.Store().ListTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trs, "count": len(trs)})
}

// List handles GET /v1/instances?status=&subscriptionId=&accountId=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	filter := instance.Filter{
		Status:         instance.Status(c.Query("status")),
		SubscriptionID: c.Query("subscriptionId"),
		AccountID:      c.Query("accountId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status"})
		return
	}

	items, err := h.driver.Store().List(c.Request.Context(), filter, cursor, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(i *instance.Instance) (time.Time, string) {
		return i.CreatedAt, i.ID
	})
	c.JSON(http.StatusOK, gin.H{"instances": page, "count": len(page), "nextCursor": next, "hasMore": more})
}

// Start handles POST /v1/instances/:id/start
func (h *Handler) Start(c *gin.Context) {
	h.dispatchIf(c, OpStart, instance.StatusStopped)
}

// Stop handles POST /v1/instances/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	h.dispatchIf(c, OpStop, instance.StatusRunning)
}

// ApplyLimits handles POST /v1/instances/:id/limits
func (h *Handler) ApplyLimits(c *gin.Context) {
	h.dispatchIf(c, OpApplyLimits, instance.StatusRunning, instance.StatusStopped)
}

// dispatchIf checks the precondition synchronously so a mismatch is a 409,
// then queues op.
func (h *Handler) dispatchIf(c *gin.Context, op Op, allowed ...instance.Status) {
	inst, err := h.driver.RequireStatus(c.Request.Context(), c.Param("id"), allowed...)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.submit(c, Job{Op: op, InstanceID: inst.ID}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"instanceId": inst.ID, "status": inst.Status, "operation": op})
}

// Restart handles POST /v1/instances/:id/restart
func (h *Handler) Restart(c *gin.Context) {
	inst, err := h.driver.BeginRestart(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, Job{Op: OpResume, InstanceID: inst.ID})
	c.JSON(http.StatusAccepted, gin.H{"instanceId": inst.ID, "status": inst.Status})
}

// Retry handles POST /v1/instances/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	inst, err := h.driver.PrepareRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, Job{Op: OpResume, InstanceID: inst.ID})
	c.JSON(http.StatusAccepted, gin.H{"instanceId": inst.ID, "status": inst.Status})
}

// Deprovision handles DELETE /v1/instances/:id
func (h *Handler) Deprovision(c *gin.Context) {
	inst, err := h.driver.BeginDeprovision(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.submit(c, Job{Op: OpResume, InstanceID: inst.ID})
	c.JSON(http.StatusAccepted, gin.H{"instanceId": inst.ID, "status": inst.Status})
}

// submit queues job. For resumes the status is already durable, so a full
// queue is only logged: the reconciler picks the instance up later.
func (h *Handler) submit(c *gin.Context, job Job) bool {
	err := h.dispatcher.Submit(job)
	if err == nil {
		return true
	}
	if job.Op == OpResume {
		logging.L(c.Request.Context()).Warn("dispatch deferred to reconciler",
			"instance_id", job.InstanceID, "error", err)
		return true
	}
	c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": "too many pending operations, retry later"})
	return false
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, instance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "instance not found"})
	case errors.Is(err, tenant.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription_not_found", "message": "subscription not found"})
	case errors.Is(err, tenant.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "account not found"})
	case errors.Is(err, instance.ErrActiveInstanceExists):
		c.JSON(http.StatusConflict, gin.H{"error": "active_instance_exists", "message": "subscription already has an active instance"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, instance.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "instance changed concurrently; re-read and retry"})
	case errors.Is(err, ErrSubscriptionInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "subscription_inactive", "message": err.Error()})
	case errors.Is(err, limits.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
