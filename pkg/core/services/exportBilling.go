package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/clients/sheetsclient"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/db"
)

// BillingSheet defines the interface for writing the billing feed
type BillingSheet interface {
	PublishBilling(ctx context.Context, spreadsheetID string, feed *sheetsclient.BillingFeed) (int, error)
}

// ExportBillingResult summarises one export
type ExportBillingResult struct {
	Feed     *sheetsclient.BillingFeed
	Appended int
	Held     []HeldVisit
}

// ExportBilling derives billable visits for the period [from, to] and appends them to the
// billing spreadsheet. Held visits are reported but never exported.
func (c *Core) ExportBilling(
	ctx context.Context,
	sheet BillingSheet,
	spreadsheetID string,
	from, to model.Date,
	loc *time.Location,
) (*ExportBillingResult, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: period end %s is before start %s", model.ErrInvalidInput, to, from)
	}

	c.logger.Debug("Exporting billing feed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("spreadsheet_id", spreadsheetID))

	report, err := c.BillableVisits(ctx, db.VisitFilter{From: from.In(loc), To: to.EndIn(loc)})
	if err != nil {
		return nil, fmt.Errorf("failed to derive billable visits: %w", err)
	}

	feed := &sheetsclient.BillingFeed{
		PeriodStart: from.String(),
		PeriodEnd:   to.String(),
		Rows:        make([]sheetsclient.BillingRow, 0, len(report.Billable)),
	}
	for _, v := range report.Billable {
		feed.Rows = append(feed.Rows, billingRow(v))
	}

	appended, err := sheet.PublishBilling(ctx, spreadsheetID, feed)
	if err != nil {
		return nil, fmt.Errorf("failed to publish billing feed: %w", err)
	}

	c.logger.Info("Exported billing feed",
		zap.Int("rows", len(feed.Rows)),
		zap.Int("appended", appended),
		zap.Int("held", len(report.Held)))
	return &ExportBillingResult{Feed: feed, Appended: appended, Held: report.Held}, nil
}

func billingRow(v model.ScheduledVisit) sheetsclient.BillingRow {
	row := sheetsclient.BillingRow{
		VisitID:      v.ID,
		CaregiverID:  v.CaregiverID,
		ClientID:     v.ClientID,
		ServiceType:  v.ServiceType,
		PlannedStart: v.PlannedStart.UTC().Format(time.RFC3339),
		PlannedEnd:   v.PlannedEnd.UTC().Format(time.RFC3339),
	}
	if v.ClockIn != nil && v.ClockOut != nil {
		row.ClockIn = v.ClockIn.Timestamp.UTC().Format(time.RFC3339)
		row.ClockOut = v.ClockOut.Timestamp.UTC().Format(time.RFC3339)
		row.Minutes = int(v.ClockOut.Timestamp.Sub(v.ClockIn.Timestamp).Round(time.Minute) / time.Minute)
	}
	return row
}
