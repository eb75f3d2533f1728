package opsapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/gateway"
	"github.com/mmdatafocus/academy_backend/middlewares"
	"github.com/mmdatafocus/academy_backend/reports"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReportUploader stores a reconcile report and returns where it went.
type ReportUploader func(ctx context.Context, from, to time.Time, res workflow.ReconcileResult) (string, error)

// JobLocker takes the best-effort per-job lock.
type JobLocker func(ctx context.Context, jobName string, ttl time.Duration) (release func(), obtained bool, err error)

type Handler struct {
	DB      func() *gorm.DB
	Logger  *logrus.Logger
	Gateway func() (workflow.TransactionFetcher, error)
	// Reports is nil when GCS_BUCKET is not configured.
	Reports ReportUploader
	JobLock JobLocker
}

// NewHandler wires the handler to the process-wide DB, Redis lock and
// provider client. The provider client is built on first use so the API
// starts without gateway credentials.
func NewHandler(logger *logrus.Logger) *Handler {
	var (
		once      sync.Once
		client    *gateway.Client
		clientErr error
	)
	h := &Handler{
		DB:     config.GetDB,
		Logger: logger,
		Gateway: func() (workflow.TransactionFetcher, error) {
			once.Do(func() {
				client, clientErr = gateway.NewClientFromEnv()
			})
			if clientErr != nil {
				return nil, clientErr
			}
			return client, nil
		},
		JobLock: utils.ObtainJobLock,
	}
	if reports.Bucket() != "" {
		h.Reports = reports.UploadReconcileReport
	}
	return h
}

// Register mounts the ops routes. Callers install the auth middlewares on
// the parent router.
func Register(r gin.IRouter, h *Handler) {
	ops := r.Group("/internal/ops/payments")
	ops.POST("/jobs/pubsub", h.JobsPubSub)

	guarded := ops.Group("", middlewares.RequireOperator())
	guarded.POST("/materialize", h.Materialize)
	guarded.POST("/reconcile-amounts", h.ReconcileAmounts)
	guarded.POST("/repair-collision", h.RepairCollision)
	guarded.POST("/scan-duplicates", h.ScanDuplicates)
	guarded.POST("/link-queue-item", h.LinkQueueItem)
}

func (h *Handler) db(c *gin.Context) (*gorm.DB, bool) {
	db := h.DB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not ready"})
		return nil, false
	}
	return db, true
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "fields": utils.ProcessValidationErrors(err)})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		}
		return false
	}
	return true
}

// allowExecute enforces that only admins run non-dry operations.
func allowExecute(c *gin.Context, dryRun bool) bool {
	if dryRun || middlewares.IsAdmin(c) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "execute requires an admin operator; retry with dry_run=true to preview"})
	return false
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handler) Materialize(c *gin.Context) {
	var req MaterializeRequest
	if !h.bind(c, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		badRequest(c, err)
		return
	}
	if !allowExecute(c, in.DryRun) {
		return
	}
	db, ok := h.db(c)
	if !ok {
		return
	}

	res, err := workflow.Materialize(c.Request.Context(), db, h.Logger, in)
	switch {
	case errors.Is(err, workflow.ErrValidation):
		badRequest(c, err)
	case err != nil:
		c.JSON(http.StatusInternalServerError, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

type reconcileResponse struct {
	workflow.ReconcileResult
	ReportUrl string `json:"report_url,omitempty"`
}

func (h *Handler) ReconcileAmounts(c *gin.Context) {
	var req ReconcileRequest
	if !h.bind(c, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		badRequest(c, err)
		return
	}
	if !allowExecute(c, in.DryRun) {
		return
	}
	db, ok := h.db(c)
	if !ok {
		return
	}
	client, err := h.Gateway()
	if err != nil {
		config.LogError(h.Logger, "handlers.go", "ReconcileAmounts", "Building gateway client", nil, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment gateway is not configured"})
		return
	}

	ctx := c.Request.Context()
	res, err := workflow.ReconcileAmounts(ctx, db, h.Logger, client, in)
	switch {
	case errors.Is(err, workflow.ErrValidation):
		badRequest(c, err)
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, reconcileResponse{ReconcileResult: res})
		return
	}

	out := reconcileResponse{ReconcileResult: res}
	if req.Report && h.Reports != nil {
		url, err := h.Reports(ctx, in.FromDate, in.ToDate, res)
		if err != nil {
			config.LogError(h.Logger, "handlers.go", "ReconcileAmounts", "Uploading report", nil, err)
			out.Warnings = append(out.Warnings, "report upload failed: "+err.Error())
		} else {
			out.ReportUrl = url
		}
	} else if req.Report {
		out.Warnings = append(out.Warnings, "report requested but GCS_BUCKET is not configured")
	}
	c.JSON(http.StatusOK, out)
}

// writeOutcome maps the three-way result onto HTTP: ok 200, STOP 409,
// validation 400, anything else 500.
func writeOutcome[T any](c *gin.Context, o workflow.Outcome[T]) {
	switch o.Kind {
	case workflow.OutcomeOK:
		c.JSON(http.StatusOK, o.Value)
	case workflow.OutcomeStop:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "STOP",
			"code":    o.Stop,
			"message": o.Message,
			"result":  o.Value,
		})
	default:
		if errors.Is(o.Err, workflow.ErrValidation) {
			badRequest(c, o.Err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": o.Message})
	}
}

func (h *Handler) RepairCollision(c *gin.Context) {
	var req RepairCollisionRequest
	if !h.bind(c, &req) {
		return
	}
	in := workflow.RepairInput{
		Last4:           req.Last4,
		Brand:           req.Brand,
		TargetProfileID: req.TargetProfileId,
		DryRun:          dryRunOrDefault(req.DryRun),
		ExpectedLinkIDs: req.ExpectedLinkIds,
	}
	if !allowExecute(c, in.DryRun) {
		return
	}
	db, ok := h.db(c)
	if !ok {
		return
	}
	writeOutcome(c, workflow.RepairCardCollision(c.Request.Context(), db, h.Logger, in))
}

func (h *Handler) ScanDuplicates(c *gin.Context) {
	var req ScanDuplicatesRequest
	if !h.bind(c, &req) {
		return
	}
	in := workflow.ScanInput{Limit: req.Limit, DryRun: dryRunOrDefault(req.DryRun)}
	if !allowExecute(c, in.DryRun) {
		return
	}
	db, ok := h.db(c)
	if !ok {
		return
	}

	res, err := workflow.ScanDuplicates(c.Request.Context(), db, h.Logger, in)
	switch {
	case errors.Is(err, workflow.ErrValidation):
		badRequest(c, err)
	case err != nil:
		c.JSON(http.StatusInternalServerError, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) LinkQueueItem(c *gin.Context) {
	var req LinkQueueItemRequest
	if !h.bind(c, &req) {
		return
	}
	in := workflow.LinkInput{
		QueueItemID: req.QueueItemId,
		OrderID:     req.OrderId,
		ProfileID:   req.ProfileId,
		DryRun:      dryRunOrDefault(req.DryRun),
	}
	if !allowExecute(c, in.DryRun) {
		return
	}
	db, ok := h.db(c)
	if !ok {
		return
	}
	writeOutcome(c, workflow.LinkQueueItem(c.Request.Context(), db, h.Logger, in))
}
