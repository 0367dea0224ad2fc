package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const costInputSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`

// Duration labels map to engagement length in weeks.
var durationWeeks = map[string]int{
	"SHORT":  4,
	"MEDIUM": 12,
	"LONG":   24,
}

const defaultWeeks = 12

// roleShares is the fraction of total team hours attributed to each
// billable role. Unknown roles get the default share.
var roleShares = map[string]float64{
	"developer":       0.6,
	"designer":        0.2,
	"project_manager": 0.1,
	"qa":              0.1,
}

const defaultRoleShare = 0.25

// Cost formulas are expressed as compiled expressions so operators can
// audit and adjust them without touching the arithmetic plumbing.
const (
	roleHoursFormula    = `hours_per_week * weeks * role_share`
	roleSubtotalFormula = `hours * rate`
)

// RoleCost is the per-role line item in the cost breakdown.
type RoleCost struct {
	Hours    float64 `json:"hours"`
	Rate     float64 `json:"rate"`
	Subtotal float64 `json:"subtotal"`
}

// CostData is the full output of the cost calculation step.
type CostData struct {
	TotalCost     float64             `json:"total_cost"`
	Breakdown     map[string]RoleCost `json:"breakdown"`
	Currency      string              `json:"currency"`
	TeamSize      int                 `json:"team_size"`
	DurationWeeks int                 `json:"duration_weeks"`
	HoursPerWeek  int                 `json:"hours_per_week"`
}

// CostStep computes the engagement cost from the rate sheet and the
// session's team size and duration.
type CostStep struct {
	store        store.Store
	hoursProg    *vm.Program
	subtotalProg *vm.Program
}

// NewCostStep compiles the cost formulas and builds the step.
func NewCostStep(st store.Store) (*CostStep, error) {
	hoursProg, err := expr.Compile(roleHoursFormula,
		expr.Env(map[string]any{
			"hours_per_week": 0.0,
			"weeks":          0.0,
			"role_share":     0.0,
		}),
		expr.AsFloat64(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile hours formula: %w", err)
	}
	subtotalProg, err := expr.Compile(roleSubtotalFormula,
		expr.Env(map[string]any{
			"hours": 0.0,
			"rate":  0.0,
		}),
		expr.AsFloat64(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile subtotal formula: %w", err)
	}
	return &CostStep{store: st, hoursProg: hoursProg, subtotalProg: subtotalProg}, nil
}

func (s *CostStep) Name() string { return schema.StepCalculateCost }

func (s *CostStep) Schema() StepSchema {
	return StepSchema{
		InputSchema: json.RawMessage(costInputSchema),
		Description: "Calculate the engagement cost from the rate sheet, team size and duration.",
	}
}

func (s *CostStep) Execute(ctx context.Context, input Input) (*Output, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	rates, err := s.store.ListRateSheet(ctx)
	if err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "rate sheet is empty")
	}

	weeks, ok := durationWeeks[strings.ToUpper(sess.Intake.Duration)]
	if !ok {
		weeks = defaultWeeks
	}
	teamSize := sess.Intake.TeamSize
	if teamSize <= 0 {
		teamSize = 1
	}
	hoursPerWeek := teamSize * 40

	breakdown := make(map[string]RoleCost, len(rates))
	var total float64
	for _, rate := range rates {
		share, ok := roleShares[strings.ToLower(rate.RoleID)]
		if !ok {
			share = defaultRoleShare
		}

		hoursVal, err := expr.Run(s.hoursProg, map[string]any{
			"hours_per_week": float64(hoursPerWeek),
			"weeks":          float64(weeks),
			"role_share":     share,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate hours formula: %w", err)
		}
		hours := hoursVal.(float64)

		subtotalVal, err := expr.Run(s.subtotalProg, map[string]any{
			"hours": hours,
			"rate":  rate.HourlyRate,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate subtotal formula: %w", err)
		}
		subtotal := subtotalVal.(float64)

		breakdown[rate.RoleID] = RoleCost{
			Hours:    hours,
			Rate:     rate.HourlyRate,
			Subtotal: subtotal,
		}
		total += subtotal
	}

	costData := CostData{
		TotalCost:     total,
		Breakdown:     breakdown,
		Currency:      "USD",
		TeamSize:      teamSize,
		DurationWeeks: weeks,
		HoursPerWeek:  hoursPerWeek,
	}
	data, err := json.Marshal(costData)
	if err != nil {
		return nil, fmt.Errorf("marshal cost data: %w", err)
	}
	if err := s.store.UpdateSession(ctx, input.SessionID, store.SessionUpdate{
		CostData: data,
	}); err != nil {
		return nil, err
	}

	return &Output{
		Data:    data,
		Message: "Cost calculation completed successfully",
	}, nil
}
