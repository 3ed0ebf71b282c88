package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Metric families, each owning one column group in daily_scores
const (
	FamilySleep     = "sleep"
	FamilyReadiness = "readiness"
	FamilyActivity  = "activity"
)

// ScoreUpsert is the normalized form of one provider document for one family
type ScoreUpsert struct {
	Day          string
	Score        *int
	Contributors json.RawMessage
	Timestamp    *string
}

// DailyScore is one row of daily_scores with all three family column groups
type DailyScore struct {
	InstallationID string
	Day            string

	SleepScore        *int
	SleepContributors json.RawMessage
	SleepTimestamp    *string

	ReadinessScore        *int
	ReadinessContributors json.RawMessage
	ReadinessTimestamp    *string

	ActivityScore        *int
	ActivityContributors json.RawMessage
	ActivityTimestamp    *string

	UpdatedAt int64
}

// UpsertDailyScore writes one family's columns for a (installation, day) row.
// The upsert is additive: sibling families already present for the day are
// left untouched, and replaying the same document is a no-op state change.
func (d *DB) UpsertDailyScore(installationID, family string, rec *ScoreUpsert) error {
	var cols string
	switch family {
	case FamilySleep:
		cols = "sleep"
	case FamilyReadiness:
		cols = "readiness"
	case FamilyActivity:
		cols = "activity"
	default:
		return fmt.Errorf("unknown metric family: %s", family)
	}

	var contributors *string
	if len(rec.Contributors) > 0 {
		s := string(rec.Contributors)
		contributors = &s
	}

	query := fmt.Sprintf(`
		INSERT INTO daily_scores (installation_id, day, %[1]s_score, %[1]s_contributors, %[1]s_timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, day) DO UPDATE SET
			%[1]s_score = excluded.%[1]s_score,
			%[1]s_contributors = excluded.%[1]s_contributors,
			%[1]s_timestamp = excluded.%[1]s_timestamp,
			updated_at = excluded.updated_at
	`, cols)

	_, err := d.db.Exec(query, installationID, rec.Day, rec.Score, contributors, rec.Timestamp, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert %s score: %w", family, err)
	}
	return nil
}

// InsertRawSnapshot stores the provider document as received, keyed by
// (installation, day, family), for audit and replay
func (d *DB) InsertRawSnapshot(installationID, day, family string, payload []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO raw_snapshots (installation_id, day, family, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(installation_id, day, family) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at
	`, installationID, day, family, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert raw snapshot: %w", err)
	}
	return nil
}

// GetDailyScores returns score rows for an installation within an inclusive
// day range, oldest first
func (d *DB) GetDailyScores(installationID, startDay, endDay string) ([]*DailyScore, error) {
	rows, err := d.db.Query(`
		SELECT installation_id, day,
		       sleep_score, sleep_contributors, sleep_timestamp,
		       readiness_score, readiness_contributors, readiness_timestamp,
		       activity_score, activity_contributors, activity_timestamp,
		       updated_at
		FROM daily_scores
		WHERE installation_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC
	`, installationID, startDay, endDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily scores: %w", err)
	}
	defer rows.Close()

	var scores []*DailyScore
	for rows.Next() {
		var s DailyScore
		var sleepC, readinessC, activityC *string
		err := rows.Scan(
			&s.InstallationID, &s.Day,
			&s.SleepScore, &sleepC, &s.SleepTimestamp,
			&s.ReadinessScore, &readinessC, &s.ReadinessTimestamp,
			&s.ActivityScore, &activityC, &s.ActivityTimestamp,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily score: %w", err)
		}
		if sleepC != nil {
			s.SleepContributors = json.RawMessage(*sleepC)
		}
		if readinessC != nil {
			s.ReadinessContributors = json.RawMessage(*readinessC)
		}
		if activityC != nil {
			s.ActivityContributors = json.RawMessage(*activityC)
		}
		scores = append(scores, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily scores: %w", err)
	}
	return scores, nil
}

// GetRawSnapshot retrieves a stored provider document. Returns nil if absent.
func (d *DB) GetRawSnapshot(installationID, day, family string) ([]byte, error) {
	var payload string
	err := d.db.QueryRow(`
		SELECT payload FROM raw_snapshots
		WHERE installation_id = ? AND day = ? AND family = ?
	`, installationID, day, family).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw snapshot: %w", err)
	}
	return []byte(payload), nil
}
