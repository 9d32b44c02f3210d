package store

import (
	"context"
	"fmt"
	"time"

	"binance-monitor/pkg/types"
)

// AppendAlertLog records a delivered alert. batched is the number of source
// alerts merged into the sent message.
func (s *Store) AppendAlertLog(ctx context.Context, req types.AlertRequest, topic string, batched int) error {
	const query = `
		INSERT INTO alerts_log (id, kind, topic, fingerprint, body, batched, produced_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		req.ID, string(req.Kind), topic, req.Fingerprint, req.Text,
		batched, millis(req.ProducedAt), millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: append alert log: %w", err)
	}
	return nil
}

// NotificationSettings loads the full per-key enable map.
func (s *Store) NotificationSettings(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, enabled FROM notification_settings`)
	if err != nil {
		return nil, fmt.Errorf("store: notification settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]bool)
	for rows.Next() {
		var (
			key     string
			enabled bool
		)
		if err := rows.Scan(&key, &enabled); err != nil {
			return nil, fmt.Errorf("store: scan notification setting: %w", err)
		}
		settings[key] = enabled
	}
	return settings, rows.Err()
}

// SetNotificationSetting flips one key. Unknown keys are created enabled or
// disabled as given, so new alert kinds need no migration.
func (s *Store) SetNotificationSetting(ctx context.Context, key string, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_settings (key, enabled) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled`,
		key, enabled,
	)
	if err != nil {
		return fmt.Errorf("store: set notification setting %q: %w", key, err)
	}
	return nil
}
