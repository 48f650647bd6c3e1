package sqlite

import (
	"context"
	"time"
)

// RecordUsage appends one invocation accounting row. Best-effort: the
// router logs and swallows failures here.
func (s *Store) RecordUsage(ctx context.Context, apiKeyID, serverID, toolName string, durationMs int64, success bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_metrics (api_key_id, server_id, tool_name, duration_ms, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		apiKeyID, serverID, toolName, durationMs, boolToInt(success), time.Now().UTC().UnixMilli())
	return err
}

// RecordAudit appends one audit trail row for control-plane mutations.
func (s *Store) RecordAudit(ctx context.Context, actor, action, subject, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		actor, action, subject, detail, time.Now().UTC().UnixMilli())
	return err
}
