package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/gateway"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransactionFetcher is the provider lookup the reconciler needs.
// *gateway.Client implements it.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, uid string) (*gateway.Transaction, error)
}

// AmountEpsilon is the largest ledger/provider difference treated as equal.
var AmountEpsilon = decimal.RequireFromString("0.01")

const amountCorrectionSource = "gateway_reconcile"

type ReconcileInput struct {
	// FromDate is inclusive, ToDate exclusive.
	FromDate  time.Time
	ToDate    time.Time
	DryRun    bool
	BatchSize int
	// OnlyAmount restricts the run to ledger rows with exactly this amount.
	OnlyAmount *decimal.Decimal
}

type Discrepancy struct {
	PaymentId             int             `json:"payment_id"`
	StableUid             string          `json:"stable_uid"`
	ProviderTransactionId string          `json:"provider_transaction_id"`
	OrderId               *int            `json:"order_id"`
	ProfileId             *int            `json:"profile_id"`
	CustomerEmail         string          `json:"customer_email,omitempty"`
	CustomerName          string          `json:"customer_name,omitempty"`
	TransactionType       string          `json:"transaction_type"`
	ProviderType          string          `json:"provider_type"`
	Currency              string          `json:"currency"`
	LedgerAmount          decimal.Decimal `json:"ledger_amount"`
	ProviderAmount        decimal.Decimal `json:"provider_amount"`
	Difference            decimal.Decimal `json:"difference"`
	PaidAt                time.Time       `json:"paid_at"`
	Endpoint              string          `json:"endpoint"`
	Fixed                 bool            `json:"fixed"`
}

type ReconcileErrorDetail struct {
	PaymentId             int    `json:"payment_id"`
	ProviderTransactionId string `json:"provider_transaction_id"`
	Message               string `json:"message"`
}

type ReconcileResult struct {
	Success            bool                   `json:"success"`
	DryRun             bool                   `json:"dry_run"`
	Checked            int                    `json:"checked"`
	DiscrepanciesFound int                    `json:"discrepancies_found"`
	Fixed              int                    `json:"fixed"`
	Skipped            int                    `json:"skipped"`
	Errors             int                    `json:"errors"`
	Pages              int                    `json:"pages"`
	Discrepancies      []Discrepancy          `json:"discrepancies"`
	ErrorDetails       []ReconcileErrorDetail `json:"error_details"`
	Warnings           []string               `json:"warnings,omitempty"`
	DurationMs         int64                  `json:"duration_ms"`
	Error              string                 `json:"error,omitempty"`
}

type reconcileRow struct {
	models.Payment
	CustomerEmail string
	CustomerName  string
}

var errConcurrentAmountChange = errors.New("ledger amount changed during reconciliation")

// ReconcileAmounts compares every ledger amount in the window with the
// provider's record and, outside dry run, corrects them one audited row at a
// time. Rows are read in batch_size pages. Provider calls are sequential; the
// client spaces them.
func ReconcileAmounts(ctx context.Context, db *gorm.DB, logger *logrus.Logger, client TransactionFetcher, in ReconcileInput) (ReconcileResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "workflow.ReconcileAmounts")
	defer span.End()

	result := ReconcileResult{
		DryRun:        in.DryRun,
		Discrepancies: []Discrepancy{},
		ErrorDetails:  []ReconcileErrorDetail{},
	}
	defer func() {
		result.DurationMs = time.Since(started).Milliseconds()
	}()

	if err := validateReconcileInput(&in, &result); err != nil {
		return result, err
	}
	if client == nil {
		return result, validationError("provider client is not configured")
	}
	span.SetAttributes(
		attribute.Bool("dry_run", in.DryRun),
		attribute.Int("batch_size", in.BatchSize),
	)

	tx := db.WithContext(ctx)
	var after *reconcileCursor
pages:
	for {
		rows, err := loadReconcileRows(tx, in, after)
		if err != nil {
			config.LogError(logger, "amountReconciliation.go", "ReconcileAmounts", "Loading ledger entries", in, err)
			span.SetStatus(codes.Error, err.Error())
			result.Error = err.Error()
			return result, fmt.Errorf("load ledger entries: %w", err)
		}
		result.Pages++

		for _, row := range rows {
			if ctx.Err() != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("stopped after %d entries: %v", result.Checked, ctx.Err()))
				break pages
			}
			result.checkRow(ctx, tx, logger, client, in, row)
		}
		if len(rows) < in.BatchSize {
			break
		}
		last := rows[len(rows)-1]
		after = &reconcileCursor{PaidAt: last.PaidAt, ID: last.ID}
	}

	result.Success = true
	logger.WithFields(logrus.Fields{
		"field":         "ReconcileAmounts",
		"dry_run":       in.DryRun,
		"checked":       result.Checked,
		"discrepancies": result.DiscrepanciesFound,
		"fixed":         result.Fixed,
		"skipped":       result.Skipped,
		"errors":        result.Errors,
		"pages":         result.Pages,
	}).Info("reconcile amounts finished")
	return result, nil
}

// checkRow compares one ledger row with the provider and, outside dry run,
// corrects it. Failures are recorded on the result; the run continues.
func (result *ReconcileResult) checkRow(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, client TransactionFetcher, in ReconcileInput, row reconcileRow) {
	result.Checked++
	providerId := strings.TrimSpace(stringValue(row.ProviderTransactionId))

	remote, err := client.FetchTransaction(ctx, providerId)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		result.Skipped++
		logger.WithFields(logrus.Fields{
			"field":       "ReconcileAmounts",
			"payment_id":  row.ID,
			"provider_id": providerId,
		}).Info("transaction not found at provider")
		return
	}
	if err != nil {
		result.addError(row.Payment, providerId, err)
		config.LogError(logger, "amountReconciliation.go", "ReconcileAmounts", "Fetching provider transaction", providerId, err)
		return
	}

	providerAmount, err := providerLedgerAmount(row.Payment, remote)
	if err != nil {
		result.addError(row.Payment, providerId, err)
		return
	}

	diff := row.Amount.Sub(providerAmount)
	if diff.Abs().LessThanOrEqual(AmountEpsilon) {
		return
	}

	result.DiscrepanciesFound++
	d := Discrepancy{
		PaymentId:             row.ID,
		StableUid:             row.StableUid,
		ProviderTransactionId: providerId,
		OrderId:               row.OrderId,
		ProfileId:             row.ProfileId,
		CustomerEmail:         row.CustomerEmail,
		CustomerName:          row.CustomerName,
		TransactionType:       row.TransactionType,
		ProviderType:          remote.Type,
		Currency:              row.Currency,
		LedgerAmount:          row.Amount,
		ProviderAmount:        providerAmount,
		Difference:            diff,
		PaidAt:                row.PaidAt,
		Endpoint:              remote.Endpoint,
	}

	if !in.DryRun {
		entry, err := correctLedgerAmount(tx, row.Payment, providerAmount, remote.Endpoint)
		if err != nil {
			result.addError(row.Payment, providerId, err)
			config.LogError(logger, "amountReconciliation.go", "ReconcileAmounts", "Correcting ledger amount", d, err)
		} else {
			d.Fixed = true
			result.Fixed++
			fanOutAudit(ctx, logger, entry)
		}
	}
	result.Discrepancies = append(result.Discrepancies, d)
}

func validateReconcileInput(in *ReconcileInput, result *ReconcileResult) error {
	if in.FromDate.IsZero() || in.ToDate.IsZero() {
		return validationError("from_date and to_date are required")
	}
	if !in.ToDate.After(in.FromDate) {
		return validationError("to_date must be after from_date")
	}
	if in.BatchSize < 0 {
		return validationError("batch_size must be positive")
	}
	if in.BatchSize == 0 {
		in.BatchSize = config.ReconcileDefaultBatch()
	}
	if maxBatch := config.ReconcileMaxBatch(); in.BatchSize > maxBatch {
		result.Warnings = append(result.Warnings, fmt.Sprintf("batch_size %d clamped to %d", in.BatchSize, maxBatch))
		in.BatchSize = maxBatch
	}
	return nil
}

// reconcileCursor is the (paid_at, id) of the last row of the previous page.
type reconcileCursor struct {
	PaidAt time.Time
	ID     int
}

// loadReconcileRows reads one page of the window. Corrections keep rows in
// range, so paging is keyset on (paid_at, id) rather than by offset.
func loadReconcileRows(tx *gorm.DB, in ReconcileInput, after *reconcileCursor) ([]reconcileRow, error) {
	q := tx.Table("payments AS p").
		Select("p.*, pr.email AS customer_email, pr.full_name AS customer_name").
		Joins("LEFT JOIN profiles pr ON pr.id = p.profile_id").
		Where("p.paid_at >= ? AND p.paid_at < ?", in.FromDate.UTC(), in.ToDate.UTC()).
		Where("p.provider_transaction_id IS NOT NULL AND p.provider_transaction_id <> ''")
	if in.OnlyAmount != nil {
		q = q.Where("p.amount = ?", *in.OnlyAmount)
	}
	if after != nil {
		paidAt := after.PaidAt.UTC()
		q = q.Where("(p.paid_at > ? OR (p.paid_at = ? AND p.id > ?))", paidAt, paidAt, after.ID)
	}
	var rows []reconcileRow
	err := q.Order("p.paid_at ASC").Order("p.id ASC").Limit(in.BatchSize).Scan(&rows).Error
	return rows, err
}

// providerLedgerAmount converts the provider amount into the ledger's
// units and sign. Currency conversion is out of scope, so a currency
// mismatch is a per-record error.
func providerLedgerAmount(p models.Payment, remote *gateway.Transaction) (decimal.Decimal, error) {
	if remote.Currency != "" && !strings.EqualFold(remote.Currency, p.Currency) {
		return decimal.Zero, fmt.Errorf("currency mismatch: ledger %s, provider %s", p.Currency, remote.Currency)
	}
	major, err := remote.MajorAmount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse provider amount %q: %w", remote.Amount.String(), err)
	}
	txType := remote.Type
	if txType == "" {
		txType = p.TransactionType
	}
	return models.SignedAmount(txType, major), nil
}

// correctLedgerAmount rewrites one ledger amount and its audit record in a
// single transaction. The amount guard refuses to overwrite a row someone
// else changed since it was read.
func correctLedgerAmount(tx *gorm.DB, p models.Payment, providerAmount decimal.Decimal, endpoint string) (*models.AuditLog, error) {
	var entry *models.AuditLog
	err := tx.Transaction(func(t *gorm.DB) error {
		meta := datatypes.JSONMap{}
		for k, v := range p.Meta {
			meta[k] = v
		}
		correctedAt := time.Now().UTC()
		meta[models.MetaAmountCorrectedFrom] = p.Amount.String()
		meta[models.MetaAmountCorrectedAt] = correctedAt.Format(time.RFC3339)
		meta[models.MetaAmountCorrectionSource] = amountCorrectionSource

		res := t.Model(&models.Payment{}).
			Where("id = ? AND amount = ?", p.ID, p.Amount).
			Updates(map[string]interface{}{"amount": providerAmount, "meta": meta})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConcurrentAmountChange
		}

		var err error
		entry, err = writeAudit(t, models.AuditActionAmountCorrected, models.AuditEntityPayment, strconv.Itoa(p.ID),
			map[string]interface{}{
				"payment_id":              p.ID,
				"provider_transaction_id": stringValue(p.ProviderTransactionId),
				"endpoint":                endpoint,
			},
			map[string]interface{}{
				"amount_before": p.Amount.String(),
				"amount_after":  providerAmount.String(),
				"corrected_at":  correctedAt,
				"source":        amountCorrectionSource,
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *ReconcileResult) addError(p models.Payment, providerId string, err error) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, ReconcileErrorDetail{
		PaymentId:             p.ID,
		ProviderTransactionId: providerId,
		Message:               err.Error(),
	})
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
