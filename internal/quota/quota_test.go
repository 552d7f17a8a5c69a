package quota

import (
	"testing"
	"time"

	"github.com/clipforge/api/internal/model"
)

func TestPeriodKey_IsMonthlyAndUTC(t *testing.T) {
	// 23:30 on May 31 in UTC-5 is already June in UTC
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2025, 5, 31, 23, 30, 0, 0, loc)

	key := PeriodKey("owner-1", model.QuotaRenderMinutes, now)
	if key != "quota:owner-1:render_minutes:2025-06" {
		t.Errorf("unexpected key %q", key)
	}
}

func TestPeriodKey_SeparatesOwnersAndKinds(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	a := PeriodKey("owner-1", model.QuotaCaptionProjects, now)
	b := PeriodKey("owner-2", model.QuotaCaptionProjects, now)
	c := PeriodKey("owner-1", model.QuotaCaptionRenderMinutes, now)
	if a == b || a == c {
		t.Errorf("keys must differ: %q %q %q", a, b, c)
	}
}

func TestPeriodKey_NewMonthNewKey(t *testing.T) {
	june := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	july := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	if PeriodKey("o", model.QuotaRenderMinutes, june) == PeriodKey("o", model.QuotaRenderMinutes, july) {
		t.Error("usage must reset at the month boundary")
	}
}
