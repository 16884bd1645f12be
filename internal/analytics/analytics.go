package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// StatusCount is the number of records in one status.
type StatusCount struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Pct    float64 `json:"pct"`
}

// QueryStatusCounts counts records per status. Superseded records are
// intermediate links in a chain and are left out.
func QueryStatusCounts(database DB, since string) ([]StatusCount, error) {
	query := `SELECT status, COUNT(*) FROM failure_records WHERE status != ?`
	args := []interface{}{string(failure.StatusSuperseded)}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY status ORDER BY status`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	var results []StatusCount
	total := 0
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		total += sc.Count
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	return results, nil
}

// ReasonCount is how often a failure reason was recorded.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

var reasonCodes = []string{
	failure.ReasonRepeatedErrorSignature,
	failure.ReasonAIAnalysisFailed,
	failure.ReasonEmptyFixesFiltered,
	failure.ReasonFlipFlopDetected,
	failure.ReasonFixApplyFailed,
	failure.ReasonDeploymentTriggerFailed,
	failure.ReasonAttemptCrashed,
	failure.ReasonDeploymentFailed,
	failure.ReasonDeploymentTimeout,
	failure.ReasonConsecutiveFailures,
	failure.ReasonMaxRetriesExhausted,
	failure.ReasonMissingCredentials,
}

// QueryReasonCounts tallies reason events from the audit trail, most frequent first.
func QueryReasonCounts(database DB, since string) ([]ReasonCount, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reasonCodes)), ",")
	query := `SELECT event, COUNT(*) FROM heal_events WHERE event IN (` + placeholders + `)`
	args := make([]interface{}, 0, len(reasonCodes)+1)
	for _, r := range reasonCodes {
		args = append(args, r)
	}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY event`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reason counts: %w", err)
	}
	defer rows.Close()

	var results []ReasonCount
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return nil, fmt.Errorf("scan reason count: %w", err)
		}
		results = append(results, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Reason < results[j].Reason
	})
	return results, nil
}

// TimeToFix holds duration stats, in minutes, from first detection to a
// successful deployment.
type TimeToFix struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// QueryTimeToFix measures each healed chain from its root record's creation
// to the fixed record's last update.
func QueryTimeToFix(database DB, since string) (*TimeToFix, error) {
	query := `
		SELECT root.created_at, fixed.updated_at
		FROM failure_records fixed
		JOIN failure_records root ON root.id = fixed.root_id
		WHERE fixed.status = ?`
	args := []interface{}{string(failure.StatusFixedSuccessfully)}
	if since != "" {
		query += ` AND root.created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query time to fix: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var startTS, endTS string
		if err := rows.Scan(&startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan time to fix: %w", err)
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if minutes := end.Sub(start).Minutes(); minutes >= 0 {
			durations = append(durations, minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Float64s(durations)
	return &TimeToFix{
		Count: len(durations),
		Avg:   avg(durations),
		P50:   percentile(durations, 50),
		P95:   percentile(durations, 95),
	}, nil
}

// AttemptDist is how many healed chains needed a given number of attempts.
type AttemptDist struct {
	Attempts int     `json:"attempts"`
	Count    int     `json:"count"`
	Pct      float64 `json:"pct"`
}

// QueryAttemptsToFix returns the attempt-count distribution of fixed records.
func QueryAttemptsToFix(database DB, since string) ([]AttemptDist, error) {
	query := `SELECT attempt_count, COUNT(*) FROM failure_records WHERE status = ?`
	args := []interface{}{string(failure.StatusFixedSuccessfully)}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY attempt_count ORDER BY attempt_count`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts to fix: %w", err)
	}
	defer rows.Close()

	var results []AttemptDist
	total := 0
	for rows.Next() {
		var ad AttemptDist
		if err := rows.Scan(&ad.Attempts, &ad.Count); err != nil {
			return nil, fmt.Errorf("scan attempts to fix: %w", err)
		}
		total += ad.Count
		results = append(results, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
