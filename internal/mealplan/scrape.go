package mealplan

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"mensabot/pkg/logx"
)

// Scraper fetches meal plans from an HTML menu page:
//
//	GET {base}/mensa/{id}?date={YYYY-MM-DD}
//
// Expected markup: elements with class "meal" grouped under elements with
// class "meal-category"; meal name in class "meal-name", student price in
// class "meal-price".
type Scraper struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewScraper(baseURL string, timeout time.Duration, log logx.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scraper{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

func (s *Scraper) fetchPlan(ctx context.Context, date time.Time, mensaID int64) (Plan, error) {
	url := fmt.Sprintf("%s/mensa/%d?date=%s", s.base, mensaID, date.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Plan{}, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("menu page request failed", logx.Int64("mensa_id", mensaID), logx.Err(err))
		return Plan{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Plan{}, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	root, err := html.Parse(resp.Body)
	if err != nil {
		return Plan{}, fmt.Errorf("parse menu page: %w", err)
	}

	plan := Plan{MensaID: mensaID, Date: date}
	walkMeals(root, "", &plan)
	return plan, nil
}

// walkMeals walks the document collecting meals, carrying the innermost
// enclosing category name down the tree.
func walkMeals(n *html.Node, category string, plan *Plan) {
	if n.Type == html.ElementNode {
		switch {
		case hasClass(n, "meal-category"):
			category = strings.TrimSpace(textContent(findClass(n, "category-name")))
			if category == "" {
				// category block without an explicit name node: use own text
				// up to the first meal
				category = firstTextLine(n)
			}
		case hasClass(n, "meal"):
			meal := Meal{
				Name:     strings.TrimSpace(textContent(findClass(n, "meal-name"))),
				Category: category,
			}
			if meal.Name == "" {
				meal.Name = firstTextLine(n)
			}
			if priceText := textContent(findClass(n, "meal-price")); priceText != "" {
				if p, ok := parsePrice(priceText); ok {
					meal.Prices = map[string]float64{"students": p}
				}
			}
			if meal.Name != "" {
				plan.Meals = append(plan.Meals, meal)
			}
			return // meals don't nest
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkMeals(c, category, plan)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func findClass(n *html.Node, class string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func firstTextLine(n *html.Node) string {
	for _, line := range strings.Split(textContent(n), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

// parsePrice understands "2,60 €", "€2.60" and plain "2.60".
func parsePrice(s string) (float64, bool) {
	s = strings.NewReplacer("€", "", ",", ".").Replace(s)
	s = strings.TrimSpace(s)
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || p < 0 {
		return 0, false
	}
	return p, true
}
