package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

// RecordMetric stores a metric point.
func (db *DB) RecordMetric(p models.MetricPoint) error {
	tags, err := encodeJSONMap(p.Tags)
	if err != nil {
		return fmt.Errorf("record metric: encode tags: %w", err)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	_, err = db.Exec(`INSERT INTO metrics (name, value, tags, timestamp) VALUES (?, ?, ?, ?)`,
		p.Name, p.Value, tags, formatTime(p.Timestamp))
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// ListMetrics returns points with the given name recorded at or after since,
// oldest first. An empty name matches every metric.
func (db *DB) ListMetrics(name string, since time.Time) ([]models.MetricPoint, error) {
	query := `SELECT name, value, tags, timestamp FROM metrics WHERE timestamp >= ?`
	args := []any{formatTime(since)}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var points []models.MetricPoint
	for rows.Next() {
		var p models.MetricPoint
		var tags sql.NullString
		var ts string
		if err := rows.Scan(&p.Name, &p.Value, &tags, &ts); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		p.Timestamp, _ = parseTime(ts)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
				return nil, fmt.Errorf("decode metric tags: %w", err)
			}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
