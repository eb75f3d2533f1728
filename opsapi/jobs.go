package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
	"github.com/sirupsen/logrus"
)

// PubSubPushMessage is the envelope Pub/Sub posts to push subscriptions.
type PubSubPushMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"id"`
		MessageId  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (m PubSubPushMessage) messageId() string {
	if m.Message.MessageId != "" {
		return m.Message.MessageId
	}
	return m.Message.ID
}

const (
	JobMaterialize      = "materialize"
	JobReconcileAmounts = "reconcile-amounts"
	JobScanDuplicates   = "scan-duplicates"

	schedulerActor = "svc:scheduler"
	jobLockTTL     = 15 * time.Minute
)

// JobRequest is the Cloud Scheduler payload. Scheduled runs preview unless
// the job explicitly sets "dry_run": false.
type JobRequest struct {
	Job       string `json:"job"`
	DryRun    *bool  `json:"dry_run"`
	Limit     int    `json:"limit"`
	FromDate  string `json:"from_date"`
	ToDate    string `json:"to_date"`
	BatchSize int    `json:"batch_size"`
	// LookbackDays sets from_date relative to today when from_date is empty.
	LookbackDays int  `json:"lookback_days"`
	Report       bool `json:"report"`
}

// JobsPubSub runs scheduled jobs pushed by Pub/Sub. Each message id runs at
// most once to success; a 2xx acks, anything else asks Pub/Sub to redeliver.
func (h *Handler) JobsPubSub(c *gin.Context) {
	if !config.JobsPushEndpointEnabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
		return
	}
	logger := h.Logger
	token := config.JobsPushToken()
	if token != "" && !pushTokenMatches(c, token) {
		logger.WithField("field", "JobsPubSub").Warn("push rejected: token mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(logger, "jobs.go", "JobsPubSub", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	var msg PubSubPushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// Malformed envelope: ack to avoid a redelivery loop.
		config.LogError(logger, "jobs.go", "JobsPubSub", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var job JobRequest
	if err := json.Unmarshal(msg.Message.Data, &job); err != nil {
		config.LogError(logger, "jobs.go", "JobsPubSub", "Unmarshal job", string(msg.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}
	messageId := msg.messageId()
	if messageId == "" {
		config.LogError(logger, "jobs.go", "JobsPubSub", "Missing message id", job, errors.New("message id required"))
		c.Status(http.StatusNoContent)
		return
	}
	fields := logrus.Fields{"field": "JobsPubSub", "job": job.Job, "message_id": messageId}

	if token == "" && !dryRunOrDefault(job.DryRun) {
		// Unauthenticated pushes may preview but never mutate.
		config.LogError(logger, "jobs.go", "JobsPubSub", "Execute job without JOBS_PUSH_TOKEN", job, errors.New("push token not configured"))
		c.Status(http.StatusNoContent)
		return
	}

	runner, err := h.jobRunner(job)
	if err != nil {
		config.LogError(logger, "jobs.go", "JobsPubSub", "Unknown job", job, err)
		c.Status(http.StatusNoContent)
		return
	}

	db, ok := h.db(c)
	if !ok {
		return
	}
	handlerName := "job:" + job.Job

	skip, err := workflow.BeginIdempotency(db, handlerName, messageId)
	switch {
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		logger.WithFields(fields).Warn("job delivery already running; asking for redelivery")
		c.JSON(http.StatusConflict, gin.H{"error": "in progress"})
		return
	case err != nil:
		config.LogError(logger, "jobs.go", "JobsPubSub", "BeginIdempotency", fields, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency check failed"})
		return
	case skip:
		logger.WithFields(fields).Info("job message already processed; acking")
		c.Status(http.StatusNoContent)
		return
	}

	ctx := utils.SetUsernameInContext(c.Request.Context(), schedulerActor)
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); !ok || cid == "" {
		ctx = utils.SetCorrelationIdInContext(ctx, messageId)
	}

	release, obtained, err := h.JobLock(ctx, job.Job, jobLockTTL)
	if err != nil || !obtained {
		reason := errors.New("job is already running on another instance")
		if err != nil {
			reason = err
		}
		_ = workflow.MarkIdempotencyFailed(db, handlerName, messageId, reason)
		logger.WithFields(fields).Warn("job lock not obtained; asking for redelivery")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": reason.Error()})
		return
	}
	defer release()

	summary, err := runner(ctx)
	if err != nil {
		_ = workflow.MarkIdempotencyFailed(db, handlerName, messageId, err)
		config.LogError(logger, "jobs.go", "JobsPubSub", "Running job", fields, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": summary})
		return
	}
	if err := workflow.MarkIdempotencySucceeded(db, handlerName, messageId); err != nil {
		config.LogError(logger, "jobs.go", "JobsPubSub", "MarkIdempotencySucceeded", fields, err)
	}
	logger.WithFields(fields).Info("scheduled job finished")
	c.JSON(http.StatusOK, summary)
}

func pushTokenMatches(c *gin.Context, token string) bool {
	got := c.Query("token")
	if got == "" {
		got = c.GetHeader("X-Push-Token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

type jobFunc func(ctx context.Context) (interface{}, error)

func (h *Handler) jobRunner(job JobRequest) (jobFunc, error) {
	dryRun := dryRunOrDefault(job.DryRun)
	switch job.Job {
	case JobMaterialize:
		req := MaterializeRequest{DryRun: &dryRun, Limit: job.Limit, FromDate: job.FromDate, ToDate: job.ToDate}
		in, err := req.toInput()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, error) {
			return h.drainMaterialize(ctx, in)
		}, nil

	case JobReconcileAmounts:
		req := ReconcileRequest{DryRun: &dryRun, BatchSize: job.BatchSize, FromDate: job.FromDate, ToDate: job.ToDate, Report: job.Report}
		defaultJobWindow(&req, job.LookbackDays, time.Now())
		in, err := req.toInput()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (interface{}, error) {
			client, err := h.Gateway()
			if err != nil {
				return nil, err
			}
			res, err := workflow.ReconcileAmounts(ctx, h.DB(), h.Logger, client, in)
			out := reconcileResponse{ReconcileResult: res}
			if err == nil && req.Report && h.Reports != nil {
				if url, upErr := h.Reports(ctx, in.FromDate, in.ToDate, res); upErr != nil {
					out.Warnings = append(out.Warnings, "report upload failed: "+upErr.Error())
				} else {
					out.ReportUrl = url
				}
			}
			return out, err
		}, nil

	case JobScanDuplicates:
		in := workflow.ScanInput{Limit: job.Limit, DryRun: dryRun}
		return func(ctx context.Context) (interface{}, error) {
			return workflow.ScanDuplicates(ctx, h.DB(), h.Logger, in)
		}, nil
	}
	return nil, fmt.Errorf("unknown job %q", job.Job)
}

// defaultJobWindow fills a missing reconcile range with the last
// lookbackDays calendar days including today (default 1).
func defaultJobWindow(req *ReconcileRequest, lookbackDays int, now time.Time) {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	today := now.UTC().Format("2006-01-02")
	if req.ToDate == "" {
		req.ToDate = today
	}
	if req.FromDate == "" {
		req.FromDate = now.UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	}
}

type drainSummary struct {
	Pages    int                       `json:"pages"`
	DryRun   bool                      `json:"dry_run"`
	Stats    workflow.MaterializeStats `json:"stats"`
	Warnings []string                  `json:"warnings"`
}

// drainMaterialize pages through the whole window with the cursor. Each page
// is its own audited call; the scheduled run never resumes a cursor across
// deliveries, so late arrivals are picked up by the next run.
func (h *Handler) drainMaterialize(ctx context.Context, in workflow.MaterializeInput) (drainSummary, error) {
	out := drainSummary{DryRun: in.DryRun, Warnings: []string{}}
	db := h.DB()
	for {
		res, err := workflow.Materialize(ctx, db, h.Logger, in)
		if err != nil {
			return out, err
		}
		out.Pages++
		out.Stats.Scanned += res.Stats.Scanned
		out.Stats.ToCreate += res.Stats.ToCreate
		out.Stats.Created += res.Stats.Created
		out.Stats.Updated += res.Stats.Updated
		out.Stats.Skipped += res.Stats.Skipped
		out.Stats.Errors += res.Stats.Errors
		out.Warnings = append(out.Warnings, res.Warnings...)
		if res.NextCursor == nil || ctx.Err() != nil {
			return out, ctx.Err()
		}
		in.Cursor = res.NextCursor
	}
}
