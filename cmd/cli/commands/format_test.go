package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
)

func TestParseTime(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{"RFC3339 keeps its offset", "2025-07-01T09:00:00Z", time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC), false},
		{"wall time in summer", "2025-07-01 09:00", time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC), false},
		{"wall time in winter", "2025-01-07 09:00", time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC), false},
		{"date only", "2025-01-07", time.Time{}, true},
		{"garbage", "tomorrow", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime(tt.input, london)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestLoadTemplateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
caregiverId: cg-1
clientId: cl-1
weekdays: [tue, Thursday]
startTime: "09:00"
duration: 1h30m
validFrom: 2025-01-01
location:
  address: 1 High Street
  coords: {lat: 51.5, lon: -0.1}
`), 0o600))

	tpl, err := loadTemplateFile(path, "Europe/London")
	require.NoError(t, err)

	assert.Equal(t, "cg-1", tpl.CaregiverID)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Thursday}, tpl.Rule.Weekdays)
	assert.Equal(t, 90*time.Minute, tpl.Rule.Duration)
	assert.Equal(t, model.NewDate(2025, time.January, 1), tpl.ValidFrom)
	assert.Equal(t, "Europe/London", tpl.Location.TimeZone, "missing time zone falls back to the default")
}

func TestLoadTemplateFile_Errors(t *testing.T) {
	_, err := loadTemplateFile(filepath.Join(t.TempDir(), "missing.yaml"), "UTC")
	assert.ErrorContains(t, err, "failed to read template file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weekdays: [funday]\nduration: 1h\n"), 0o600))
	_, err = loadTemplateFile(path, "UTC")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestWeekdayNames(t *testing.T) {
	assert.Equal(t, "Mon, Wed, Sun", weekdayNames([]time.Weekday{time.Monday, time.Wednesday, time.Sunday}))
	assert.Equal(t, "", weekdayNames(nil))
}

func TestVisitLine(t *testing.T) {
	v := model.ScheduledVisit{
		ID:           "v-1",
		CaregiverID:  "cg-1",
		ClientID:     "cl-1",
		Location:     model.Location{TimeZone: "Europe/London"},
		PlannedStart: time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC),
		PlannedEnd:   time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		Status:       model.VisitScheduled,
		Disputed:     true,
	}

	line := visitLine(v)
	assert.Contains(t, line, "2025-07-01 09:00 BST - 10:00")
	assert.Contains(t, line, "caregiver=cg-1 client=cl-1")
	assert.Contains(t, line, "[disputed]")
	assert.NotContains(t, line, "[override]")
}

func TestEventLine(t *testing.T) {
	amends := int64(2)
	e := ledger.AuditEvent{
		VisitSeq:  3,
		Kind:      ledger.KindAmended,
		Actor:     model.Actor{ID: "sup-1", Elevated: true},
		Timestamp: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		Hash:      "0123456789abcdef0123",
		Amends:    &amends,
	}

	line := eventLine(e)
	assert.Contains(t, line, "sup-1 (elevated)")
	assert.Contains(t, line, "0123456789ab")
	assert.NotContains(t, line, "0123456789abc")
	assert.Contains(t, line, "amends #2")
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abc", shortHash("abc"))
	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
}
