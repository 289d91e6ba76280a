package sheetsclient

import (
	"context"
	"fmt"
)

// BillingRow is one billable visit in the billing feed
type BillingRow struct {
	VisitID      string
	CaregiverID  string
	ClientID     string
	ServiceType  string
	PlannedStart string // RFC3339, UTC
	PlannedEnd   string
	ClockIn      string
	ClockOut     string
	Minutes      int
}

// BillingFeed is the set of billable visits for one period
type BillingFeed struct {
	PeriodStart string // Format: "2006-01-02"
	PeriodEnd   string
	Rows        []BillingRow
}

var billingHeader = []interface{}{
	"Visit ID", "Caregiver", "Client", "Service type",
	"Planned start", "Planned end", "Clock in", "Clock out", "Minutes",
}

// BillingTabTitle returns the tab a feed is written to, e.g. "Billing 2024-01-01 - 2024-01-31"
func BillingTabTitle(feed *BillingFeed) string {
	return fmt.Sprintf("Billing %s - %s", feed.PeriodStart, feed.PeriodEnd)
}

// PublishBilling appends the feed's rows to the period's tab, creating it with a header if
// needed. Visits already present in the tab are not appended again, so re-exporting a period
// only adds visits completed since the last export. Returns the number of rows appended.
func (c *Client) PublishBilling(ctx context.Context, spreadsheetID string, feed *BillingFeed) (int, error) {
	tabTitle := BillingTabTitle(feed)

	exists, err := c.SheetExists(ctx, spreadsheetID, tabTitle)
	if err != nil {
		return 0, err
	}

	var existing [][]interface{}
	if !exists {
		if _, err := c.CreateSheet(ctx, spreadsheetID, tabTitle); err != nil {
			return 0, fmt.Errorf("failed to create tab: %w", err)
		}
		if err := c.AppendRows(ctx, spreadsheetID, tabTitle+"!A1", [][]interface{}{billingHeader}); err != nil {
			return 0, fmt.Errorf("failed to write header: %w", err)
		}
	} else {
		existing, err = c.GetValues(ctx, spreadsheetID, tabTitle+"!A:A")
		if err != nil {
			return 0, fmt.Errorf("failed to read existing visit ids: %w", err)
		}
	}

	rows := NewBillingRows(feed, ExportedVisitIDs(existing))
	if len(rows) == 0 {
		return 0, nil
	}
	if err := c.AppendRows(ctx, spreadsheetID, tabTitle+"!A1", rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ExportedVisitIDs collects the visit ids in the first column of an existing tab
func ExportedVisitIDs(column [][]interface{}) map[string]bool {
	ids := make(map[string]bool, len(column))
	for i, row := range column {
		if i == 0 || len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id != "" {
			ids[id] = true
		}
	}
	return ids
}

// NewBillingRows converts the feed into sheet rows, skipping visits already exported
func NewBillingRows(feed *BillingFeed, exported map[string]bool) [][]interface{} {
	rows := make([][]interface{}, 0, len(feed.Rows))
	for _, r := range feed.Rows {
		if exported[r.VisitID] {
			continue
		}
		rows = append(rows, []interface{}{
			r.VisitID, r.CaregiverID, r.ClientID, r.ServiceType,
			r.PlannedStart, r.PlannedEnd, r.ClockIn, r.ClockOut, r.Minutes,
		})
	}
	return rows
}
