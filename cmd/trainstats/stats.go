package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/brensch/breadrl/game"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/xuri/excelize/v2"
)

// StepStats aggregates one archived training batch.
type StepStats struct {
	RunID       string
	TrainStep   int64
	Rows        int64
	MeanReward  float64
	TotalReward float64
	MeanScore   float64
	MaxScore    float64
	TopAction   int64
}

// ActionCount is how often one action was chosen across the archive.
type ActionCount struct {
	Action int64
	Count  int64
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func openArchive(dir string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	glob := filepath.Join(dir, "*.parquet")
	_, err = db.Exec(`CREATE OR REPLACE VIEW transitions AS
		SELECT * FROM read_parquet('` + escapeSQLString(glob) + `')`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open archive %s: %w", glob, err)
	}
	return db, nil
}

func queryStepStats(ctx context.Context, db *sql.DB) ([]StepStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			run_id,
			train_step,
			count(*) AS n,
			coalesce(avg(reward) FILTER (WHERE NOT "final"), 0) AS mean_reward,
			coalesce(sum(reward), 0) AS total_reward,
			avg(score)::DOUBLE AS mean_score,
			max(score)::DOUBLE AS max_score,
			mode(action) AS top_action
		FROM transitions
		GROUP BY run_id, train_step
		ORDER BY run_id, train_step`)
	if err != nil {
		return nil, fmt.Errorf("query step stats: %w", err)
	}
	defer rows.Close()

	var out []StepStats
	for rows.Next() {
		var s StepStats
		var meanScore, maxScore sql.NullFloat64
		if err := rows.Scan(&s.RunID, &s.TrainStep, &s.Rows, &s.MeanReward, &s.TotalReward, &meanScore, &maxScore, &s.TopAction); err != nil {
			return nil, err
		}
		s.MeanScore = meanScore.Float64
		s.MaxScore = maxScore.Float64
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryActionCounts(ctx context.Context, db *sql.DB) ([]ActionCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT action, count(*) FROM transitions
		GROUP BY action ORDER BY action`)
	if err != nil {
		return nil, fmt.Errorf("query action counts: %w", err)
	}
	defer rows.Close()

	var out []ActionCount
	for rows.Next() {
		var a ActionCount
		if err := rows.Scan(&a.Action, &a.Count); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// writeWorkbook saves one sheet of per-step stats and one of action counts.
func writeWorkbook(path string, steps []StepStats, actions []ActionCount) error {
	f := excelize.NewFile()
	defer f.Close()

	stepSheet, actionSheet := "Training_Steps", "Actions"
	if _, err := f.NewSheet(stepSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(actionSheet); err != nil {
		return err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}

	header := []string{"Run", "Train Step", "Rows", "Mean Reward", "Total Reward", "Mean Bread", "Max Bread", "Top Action"}
	if err := f.SetSheetRow(stepSheet, "A1", &header); err != nil {
		return err
	}
	for i, s := range steps {
		row := []interface{}{s.RunID, s.TrainStep, s.Rows, s.MeanReward, s.TotalReward, s.MeanScore, s.MaxScore, game.Action(s.TopAction).String()}
		if err := f.SetSheetRow(stepSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	header = []string{"Action", "Name", "Count"}
	if err := f.SetSheetRow(actionSheet, "A1", &header); err != nil {
		return err
	}
	for i, a := range actions {
		row := []interface{}{a.Action, game.Action(a.Action).String(), a.Count}
		if err := f.SetSheetRow(actionSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}
