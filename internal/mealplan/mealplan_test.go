package mealplan

import (
	"strings"
	"testing"
	"time"
)

func TestFormatPlan(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	p := Plan{
		MensaID: 106,
		Date:    date,
		Meals: []Meal{
			{Name: "Spaghetti", Category: "Main", Prices: map[string]float64{"students": 2.60}},
			{Name: "Salad <green>", Category: "Sides", Notes: []string{"vegan"}},
			{Name: "Schnitzel", Category: "Main", Prices: map[string]float64{"students": 3.90}},
		},
	}

	out := FormatPlan(p)
	if !strings.Contains(out, "<b>Wednesday, 06 Mar 2024</b>") {
		t.Errorf("missing date header:\n%s", out)
	}
	if !strings.Contains(out, "Salad &lt;green&gt;") {
		t.Errorf("HTML not escaped:\n%s", out)
	}
	if !strings.Contains(out, "Spaghetti — 2.60€") {
		t.Errorf("student price not rendered:\n%s", out)
	}
	if !strings.Contains(out, "<i>vegan</i>") {
		t.Errorf("notes not rendered:\n%s", out)
	}

	// Categories keep first-seen order and meals stay grouped.
	mainIdx := strings.Index(out, "<u>Main</u>")
	sidesIdx := strings.Index(out, "<u>Sides</u>")
	if mainIdx < 0 || sidesIdx < 0 || mainIdx > sidesIdx {
		t.Errorf("category order wrong:\n%s", out)
	}
	if schnitzel := strings.Index(out, "Schnitzel"); schnitzel < mainIdx || schnitzel > sidesIdx {
		t.Errorf("meal not grouped under its category:\n%s", out)
	}
}

func TestFormatPlanEmptyFallsBackToNoData(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	if got, want := FormatPlan(Plan{Date: date}), NoDataText(date); got != want {
		t.Errorf("empty plan = %q, want %q", got, want)
	}
}

func TestFormatPlanDefaultCategory(t *testing.T) {
	t.Parallel()
	p := Plan{
		Date:  time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
		Meals: []Meal{{Name: "Soup"}},
	}
	if out := FormatPlan(p); !strings.Contains(out, "<u>Menu</u>") {
		t.Errorf("uncategorized meals must fall under Menu:\n%s", out)
	}
}

func TestDateFor(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	today := DateFor(0, loc)
	if today.Hour() != 0 || today.Minute() != 0 {
		t.Errorf("DateFor must truncate to midnight, got %v", today)
	}
	if got := DateFor(2, loc); !got.Equal(today.AddDate(0, 0, 2)) {
		t.Errorf("DateFor(2) = %v, want %v", got, today.AddDate(0, 0, 2))
	}
}
