// Package mealplan fetches and renders daily cafeteria menus.
//
// The rest of the bot only sees the Provider interface: a fetch that never
// fails outward. Upstream/parse errors are rendered as a user-facing
// "no data" message, matching the behavior expected by handlers and jobs.
package mealplan

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Meal is a single dish on a day's menu.
type Meal struct {
	Name     string
	Category string
	Prices   map[string]float64 // role -> price, e.g. "students": 2.60
	Notes    []string
}

// Plan is one cafeteria's menu for one day.
type Plan struct {
	MensaID int64
	Date    time.Time
	Meals   []Meal
}

// Provider renders the plan for a mensa at the given day offset (0 = today,
// 1 = tomorrow, 2 = the day after). It never fails outward.
type Provider interface {
	Fetch(ctx context.Context, dayOffset int, mensaID int64) string
}

// backend is the raw fetch half; api and scrape implement it.
type backend interface {
	fetchPlan(ctx context.Context, date time.Time, mensaID int64) (Plan, error)
}

// provider glues a backend to the formatter.
type provider struct {
	be  backend
	loc *time.Location
}

// NewProvider wraps a backend (NewAPI or NewScraper) into a Provider.
func NewProvider(be backend, loc *time.Location) Provider {
	if loc == nil {
		loc = time.Local
	}
	return &provider{be: be, loc: loc}
}

func (p *provider) Fetch(ctx context.Context, dayOffset int, mensaID int64) string {
	date := DateFor(dayOffset, p.loc)
	plan, err := p.be.fetchPlan(ctx, date, mensaID)
	if err != nil {
		return NoDataText(date)
	}
	return FormatPlan(plan)
}

// DateFor resolves a day offset against "now" in the given timezone.
func DateFor(offset int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, offset)
}

// NoDataText is the user-facing rendering of any fetch/parse failure.
func NoDataText(date time.Time) string {
	return fmt.Sprintf("<b>%s</b>\nNo menu data available for this day.", date.Format("Monday, 02 Jan 2006"))
}

// FormatPlan renders a plan as Telegram HTML, one section per category.
func FormatPlan(p Plan) string {
	if len(p.Meals) == 0 {
		return NoDataText(p.Date)
	}

	// Group by category, preserving first-seen order.
	order := make([]string, 0, 4)
	byCat := map[string][]Meal{}
	for _, m := range p.Meals {
		cat := m.Category
		if cat == "" {
			cat = "Menu"
		}
		if _, ok := byCat[cat]; !ok {
			order = append(order, cat)
		}
		byCat[cat] = append(byCat[cat], m)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", p.Date.Format("Monday, 02 Jan 2006"))
	for _, cat := range order {
		fmt.Fprintf(&b, "\n<u>%s</u>\n", escapeHTML(cat))
		for _, m := range byCat[cat] {
			b.WriteString("• ")
			b.WriteString(escapeHTML(m.Name))
			if price, ok := m.Prices["students"]; ok && price > 0 {
				fmt.Fprintf(&b, " — %.2f€", price)
			}
			b.WriteString("\n")
			if len(m.Notes) > 0 {
				fmt.Fprintf(&b, "  <i>%s</i>\n", escapeHTML(strings.Join(m.Notes, ", ")))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
