// Package impact turns detected events into energy, emissions and cost figures.
package impact

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ghost_energy/internal/events"
	"ghost_energy/internal/model"
	"ghost_energy/internal/stats"
)

// Config holds the conversion factors.
type Config struct {
	CO2KgPerKWh float64 `koanf:"co2_kg_per_kwh" validate:"gte=0"`
	CostPerKWh  float64 `koanf:"cost_per_kwh" validate:"gte=0"`
	Currency    string  `koanf:"currency" validate:"required,len=3"`
	// PhantomPercentile is the per-site consumption percentile above which
	// an empty building is counted as phantom waste.
	PhantomPercentile float64 `koanf:"phantom_percentile" validate:"gt=0,lt=100"`
}

// DefaultConfig uses the Colombian grid emission factor and tariff.
func DefaultConfig() Config {
	return Config{
		CO2KgPerKWh:       0.164,
		CostPerKWh:        800,
		Currency:          "COP",
		PhantomPercentile: 75,
	}
}

// Money is an amount in a currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (m Money) String() string {
	return m.Amount.StringFixed(0) + " " + m.Currency
}

// Cost prices kwh at the configured tariff, rounded to whole currency units.
func (c Config) Cost(kwh float64) Money {
	amount := decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(c.CostPerKWh)).Round(0)
	return Money{Amount: amount, Currency: c.Currency}
}

// CO2Kg converts kwh to kilograms of CO2.
func (c Config) CO2Kg(kwh float64) float64 {
	v, _ := decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(c.CO2KgPerKWh)).Round(3).Float64()
	return v
}

// CategoryWaste summarizes the events of one category.
type CategoryWaste struct {
	Category model.Category `json:"category"`
	Events   int            `json:"events"`
	KWh      float64        `json:"kwh"`
	Cost     Money          `json:"cost"`
}

// Report is the potential-savings summary of a run.
type Report struct {
	Categories []CategoryWaste `json:"categories"`
	Events     int             `json:"events"`
	TotalKWh   float64         `json:"total_kwh"`
	CO2Kg      float64         `json:"co2_kg"`
	Cost       Money           `json:"cost"`

	PhantomWasteKWh  float64 `json:"phantom_waste_kwh"`
	PhantomWasteRows int     `json:"phantom_waste_rows"`
}

// Compute summarizes evs per category, in category priority order, and
// measures phantom waste over readings.
func Compute(readings []model.Reading, evs []model.Event, cfg Config) Report {
	byCat := make(map[model.Category]*CategoryWaste, len(model.Categories))
	r := Report{Categories: make([]CategoryWaste, len(model.Categories))}
	for i, c := range model.Categories {
		r.Categories[i] = CategoryWaste{Category: c}
		byCat[c] = &r.Categories[i]
	}

	for _, e := range evs {
		cw, ok := byCat[e.Category]
		if !ok {
			continue
		}
		cw.Events++
		cw.KWh += e.TotalKWh
		r.Events++
		r.TotalKWh += e.TotalKWh
	}
	for i := range r.Categories {
		r.Categories[i].Cost = cfg.Cost(r.Categories[i].KWh)
	}
	r.CO2Kg = cfg.CO2Kg(r.TotalKWh)
	r.Cost = cfg.Cost(r.TotalKWh)
	r.PhantomWasteKWh, r.PhantomWasteRows = PhantomWaste(readings, cfg.PhantomPercentile)
	return r
}

// PhantomWaste sums the consumption of rows with occupancy below the
// phantom threshold and consumption above their site's pct-th percentile.
// Rows with unknown occupancy are ignored.
func PhantomWaste(readings []model.Reading, pct float64) (float64, int) {
	bySite := make(map[string][]float64)
	for _, r := range readings {
		bySite[r.Site] = append(bySite[r.Site], r.ConsumptionKWh)
	}
	limits := make(map[string]float64, len(bySite))
	for site, vals := range bySite {
		limits[site] = stats.Percentile(vals, pct)
	}

	var kwh float64
	var rows int
	for _, r := range readings {
		if !r.HasOccupancy() || r.OccupancyPct >= events.PhantomOccupancyPct {
			continue
		}
		if r.ConsumptionKWh > limits[r.Site] {
			kwh += r.ConsumptionKWh
			rows++
		}
	}
	return kwh, rows
}

// Summary renders the report as the lines printed by the CLI.
func (r Report) Summary() []string {
	lines := make([]string, 0, len(r.Categories)+4)
	for _, c := range r.Categories {
		lines = append(lines, fmt.Sprintf("%-24s %4d events %12.1f kWh %16s", c.Category, c.Events, c.KWh, c.Cost))
	}
	lines = append(lines,
		fmt.Sprintf("Energy saved:     %.1f kWh", r.TotalKWh),
		fmt.Sprintf("CO2 avoided:      %.1f kg", r.CO2Kg),
		fmt.Sprintf("Economic savings: %s", r.Cost),
		fmt.Sprintf("Phantom waste:    %.1f kWh over %d readings", r.PhantomWasteKWh, r.PhantomWasteRows),
	)
	return lines
}
