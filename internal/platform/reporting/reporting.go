package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/internal/platform/db"
)

// ErrInvalidParameter is returned when a measure parameter cannot be parsed.
var ErrInvalidParameter = errors.New("invalid measure parameter")

// MeasureDefinition defines a reporting measure with its SQL query. Bind turns
// query-string parameters into the query's positional arguments.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"sql"`
	Parameters  []string `json:"parameters"`

	Bind func(params map[string]string, now time.Time, loc *time.Location) ([]any, error) `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string            `json:"measure_id"`
	MeasureName string            `json:"measure_name"`
	GeneratedAt time.Time         `json:"generated_at"`
	Results     []map[string]any  `json:"results"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

func bindNow(_ map[string]string, now time.Time, _ *time.Location) ([]any, error) {
	return []any{now}, nil
}

// bindMonth resolves "month" (YYYY-MM, default current) to [start, next month).
func bindMonth(params map[string]string, now time.Time, loc *time.Location) ([]any, error) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	if v := params["month"]; v != "" {
		t, err := time.ParseInLocation("2006-01", v, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: month must be YYYY-MM", ErrInvalidParameter)
		}
		start = t
	}
	return []any{start, start.AddDate(0, 1, 0)}, nil
}

func bindPeriods(params map[string]string, _ time.Time, _ *time.Location) ([]any, error) {
	n := 8
	if v := params["periods"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 104 {
			return nil, fmt.Errorf("%w: periods must be between 1 and 104", ErrInvalidParameter)
		}
		n = parsed
	}
	return []any{n}, nil
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "unsigned-notes-by-provider",
		Name:        "Unsigned Notes by Provider",
		Description: "Outstanding progress notes per provider with overdue counts and the nearest deadline",
		SQL: `SELECT s.provider_id::text AS provider_id,
	p.first_name || ' ' || p.last_name AS provider_name,
	COUNT(*) AS unsigned,
	COUNT(*) FILTER (WHERE s.note_deadline < $1) AS overdue,
	MIN(s.note_deadline) AS next_deadline
FROM session_completion s JOIN staff_profile p ON p.id = s.provider_id
WHERE s.status = 'completed' AND NOT s.note_signed AND NOT s.is_locked
GROUP BY s.provider_id, p.first_name, p.last_name
ORDER BY unsigned DESC, provider_name`,
		Parameters: []string{},
		Bind:       bindNow,
	},
	{
		ID:          "sessions-by-type",
		Name:        "Sessions by Type",
		Description: "Session volume, minutes and no-shows by session type for a calendar month",
		SQL: `SELECT session_type,
	COUNT(*) AS total,
	COALESCE(SUM(duration_minutes), 0) AS minutes,
	COUNT(*) FILTER (WHERE status = 'no_show') AS no_shows
FROM session_completion
WHERE session_date >= $1 AND session_date < $2
GROUP BY session_type
ORDER BY total DESC, session_type`,
		Parameters: []string{"month"},
		Bind:       bindMonth,
	},
	{
		ID:          "payroll-totals-by-period",
		Name:        "Payroll Totals by Period",
		Description: "Non-void payment calculation totals for the most recent pay periods",
		SQL: `SELECT pay_period_start,
	COUNT(*) AS calculations,
	COUNT(*) FILTER (WHERE status = 'paid') AS paid,
	COALESCE(SUM(session_amount), 0)::float8 AS session_amount,
	COALESCE(SUM(hourly_amount), 0)::float8 AS hourly_amount,
	COALESCE(SUM(total_amount), 0)::float8 AS total_amount
FROM payment_calculation
WHERE status <> 'void'
GROUP BY pay_period_start
ORDER BY pay_period_start DESC
LIMIT $1`,
		Parameters: []string{"periods"},
		Bind:       bindPeriods,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Evaluate runs measure against q with params bound.
func Evaluate(ctx context.Context, q db.Querier, measure *MeasureDefinition, params map[string]string, now time.Time, loc *time.Location) (*MeasureReport, error) {
	if loc == nil {
		loc = time.UTC
	}
	args, err := measure.Bind(params, now, loc)
	if err != nil {
		return nil, err
	}
	results, err := executeSQL(ctx, db.Conn(ctx, q), measure.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", measure.ID, err)
	}
	return &MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: now,
		Results:     results,
		Parameters:  params,
	}, nil
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func executeSQL(ctx context.Context, q db.Querier, sql string, args ...any) ([]map[string]any, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	q   db.Querier
	loc *time.Location
	now func() time.Time
}

func NewHandler(q db.Querier, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{q: q, loc: loc, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("supervisor", "billing"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	params := map[string]string{}
	for _, p := range measure.Parameters {
		if v := c.QueryParam(p); v != "" {
			params[p] = v
		}
	}

	report, err := Evaluate(c.Request().Context(), h.q, measure, params, h.now(), h.loc)
	if errors.Is(err, ErrInvalidParameter) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, report)
}
