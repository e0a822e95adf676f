package mealplan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mensabot/pkg/logx"
)

// API fetches meal plans from an OpenMensa-style JSON endpoint:
//
//	GET {base}/canteens/{id}/days/{YYYY-MM-DD}/meals
type API struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewAPI(baseURL string, timeout time.Duration, log logx.Logger) *API {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

type apiMeal struct {
	Name     string             `json:"name"`
	Category string             `json:"category"`
	Prices   map[string]float64 `json:"prices"`
	Notes    []string           `json:"notes"`
}

func (a *API) fetchPlan(ctx context.Context, date time.Time, mensaID int64) (Plan, error) {
	url := fmt.Sprintf("%s/canteens/%d/days/%s/meals", a.base, mensaID, date.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Plan{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.log.Warn("meal plan request failed", logx.Int64("mensa_id", mensaID), logx.Err(err))
		return Plan{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Warn("meal plan request rejected",
			logx.Int64("mensa_id", mensaID),
			logx.Int("status", resp.StatusCode))
		return Plan{}, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	var meals []apiMeal
	if err := json.NewDecoder(resp.Body).Decode(&meals); err != nil {
		return Plan{}, fmt.Errorf("decode meals: %w", err)
	}

	plan := Plan{MensaID: mensaID, Date: date, Meals: make([]Meal, 0, len(meals))}
	for _, m := range meals {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		plan.Meals = append(plan.Meals, Meal{
			Name:     strings.TrimSpace(m.Name),
			Category: strings.TrimSpace(m.Category),
			Prices:   m.Prices,
			Notes:    m.Notes,
		})
	}
	return plan, nil
}
