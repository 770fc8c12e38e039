// Package explain turns ranked events into requests for a facility advisor.
// Producing the advice text is left to whatever consumes the requests.
package explain

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"ghost_energy/internal/impact"
	"ghost_energy/internal/model"
)

const DefaultLanguage = "Spanish (Colombia)"

// Request carries everything an advisor needs to explain one event.
type Request struct {
	RunID         string         `json:"run_id"`
	EventID       string         `json:"event_id"`
	Site          string         `json:"site"`
	Category      model.Category `json:"category"`
	Start         string         `json:"start_time"`
	End           string         `json:"end_time"`
	DurationHours int            `json:"duration_hours"`
	TotalKWh      float64        `json:"total_kwh"`
	AvgOccupancy  *float64       `json:"avg_occupancy"`
	Cost          impact.Money   `json:"cost"`
	Language      string         `json:"language"`
	Prompt        string         `json:"prompt"`
}

var promptTemplate = template.Must(template.New("advisor").Parse(`ACT AS: Energy efficiency expert.
AUDIENCE: Facility managers (non-technical).

INPUT DATA:
- Location: {{.Site}}
- Anomaly: {{.Category}} (Duration: {{.DurationHours}}h)
- Wasted energy: {{.KWh}} kWh
- Cost: {{.Cost}}
- Time: {{.Start}} to {{.End}}
- Occupancy: {{.Occupancy}}

TASK: Write a short, clear advice card.

FORMAT:
# [Short descriptive title]

**Problem:**
[One sentence explaining what happened.]

**Impact:**
Approximately **{{.Cost}}** wasted.

**Immediate action:**
*   [Specific imperative action]
*   [Simple follow-up step]

TONE: Helpful, urgent, professional.
LANGUAGE: {{.Language}}.
LENGTH: Short. No filler.
`))

type promptData struct {
	Site          string
	Category      model.Category
	DurationHours int
	KWh           string
	Cost          string
	Start, End    string
	Occupancy     string
	Language      string
}

// Builder renders requests with a fixed tariff and output language.
type Builder struct {
	Tariff   impact.Config
	Language string
}

func NewBuilder(tariff impact.Config, language string) *Builder {
	if language == "" {
		language = DefaultLanguage
	}
	return &Builder{Tariff: tariff, Language: language}
}

// Build renders the request for ev.
func (b *Builder) Build(runID string, ev model.Event) (Request, error) {
	cost := b.Tariff.Cost(ev.TotalKWh)
	req := Request{
		RunID:         runID,
		EventID:       ev.ID,
		Site:          ev.Site,
		Category:      ev.Category,
		Start:         ev.Start.Format(time.RFC3339),
		End:           ev.End.Format(time.RFC3339),
		DurationHours: ev.DurationHours,
		TotalKWh:      ev.TotalKWh,
		Cost:          cost,
		Language:      b.Language,
	}
	occupancy := "unknown"
	if !math.IsNaN(ev.AvgOccupancy) {
		v := ev.AvgOccupancy
		req.AvgOccupancy = &v
		occupancy = fmt.Sprintf("%.1f%%", v)
	}

	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, promptData{
		Site:          ev.Site,
		Category:      ev.Category,
		DurationHours: ev.DurationHours,
		KWh:           fmt.Sprintf("%.0f", ev.TotalKWh),
		Cost:          groupThousands(cost.Amount.StringFixed(0)) + " " + cost.Currency,
		Start:         req.Start,
		End:           req.End,
		Occupancy:     occupancy,
		Language:      b.Language,
	})
	if err != nil {
		return Request{}, fmt.Errorf("rendering prompt for %s: %w", ev.ID, err)
	}
	req.Prompt = buf.String()
	return req, nil
}

// groupThousands inserts commas into an integer string: 2000000 -> 2,000,000.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return sign + b.String()
}
