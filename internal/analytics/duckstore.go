// Package analytics aggregates a results document with an in-memory DuckDB
// database. Nothing is written to disk.
package analytics

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/marcboeker/go-duckdb"

	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
)

var schema = []string{
	`CREATE TABLE outcomes (
		id      INTEGER PRIMARY KEY,
		file    VARCHAR NOT NULL,
		failed  BOOLEAN NOT NULL
	)`,
	`CREATE TABLE findings (
		outcome_id INTEGER NOT NULL,
		label      VARCHAR NOT NULL,
		confidence DOUBLE NOT NULL
	)`,
}

// openMemory opens a private in-memory database with the configured pragmas.
func openMemory(cfg config.AnalyticsConfig) (*sql.DB, error) {
	connector, err := duckdb.NewConnector("", func(execer driver.ExecerContext) error {
		pragmas := []string{"PRAGMA enable_progress_bar=false"}
		if cfg.DuckDBThreads > 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", cfg.DuckDBThreads))
		}
		if cfg.DuckDBMemoryLimit != "" {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", cfg.DuckDBMemoryLimit))
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Summarize computes per-run and per-label statistics for doc.
func Summarize(ctx context.Context, cfg config.AnalyticsConfig, doc models.ResultsDocument) (*models.RunSummary, error) {
	db, err := openMemory(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// One connection keeps the in-memory catalog visible to every statement
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating summary tables: %w", err)
		}
	}
	if err := load(ctx, db, doc); err != nil {
		return nil, err
	}

	summary := &models.RunSummary{Labels: []models.LabelStats{}}

	var processed, failed, withFindings int64
	err = db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE failed),
			(SELECT COUNT(DISTINCT outcome_id) FROM findings)
		FROM outcomes`).Scan(&processed, &failed, &withFindings)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	summary.Processed = int(processed)
	summary.Failed = int(failed)
	summary.Succeeded = int(processed - failed)
	summary.WithFindings = int(withFindings)
	if processed > 0 {
		summary.ErrorRate = float64(failed) / float64(processed)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT label, COUNT(*), AVG(confidence), MIN(confidence), MAX(confidence)
		FROM findings
		GROUP BY label
		ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stats models.LabelStats
			count int64
		)
		if err := rows.Scan(&stats.Label, &count, &stats.MeanConfidence, &stats.MinConfidence, &stats.MaxConfidence); err != nil {
			return nil, fmt.Errorf("scanning label stats: %w", err)
		}
		stats.Count = int(count)
		summary.Labels = append(summary.Labels, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating label stats: %w", err)
	}

	return summary, nil
}

func load(ctx context.Context, db *sql.DB, doc models.ResultsDocument) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load: %w", err)
	}
	defer tx.Rollback()

	outcomeStmt, err := tx.PrepareContext(ctx, "INSERT INTO outcomes (id, file, failed) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing outcome insert: %w", err)
	}
	defer outcomeStmt.Close()

	findingStmt, err := tx.PrepareContext(ctx, "INSERT INTO findings (outcome_id, label, confidence) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing finding insert: %w", err)
	}
	defer findingStmt.Close()

	id := 0
	for _, rec := range doc.Results {
		id++
		if _, err := outcomeStmt.ExecContext(ctx, id, rec.File, false); err != nil {
			return fmt.Errorf("inserting result %s: %w", rec.File, err)
		}
		for _, f := range rec.Findings {
			if _, err := findingStmt.ExecContext(ctx, id, f.Label, f.Confidence); err != nil {
				return fmt.Errorf("inserting finding for %s: %w", rec.File, err)
			}
		}
	}
	for _, rec := range doc.Errors {
		id++
		if _, err := outcomeStmt.ExecContext(ctx, id, rec.File, true); err != nil {
			return fmt.Errorf("inserting error %s: %w", rec.File, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load: %w", err)
	}
	return nil
}
