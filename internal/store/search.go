package store

import (
	"context"

	"github.com/nexuscore/nexus/pkg/models"
)

// SearchMessages ranks session messages by a blend of full-text search
// (plainto_tsquery/ts_rank_cd) and trigram similarity, so both
// multi-word phrase queries and short/fuzzy queries return something
// useful. Rows below both thresholds are excluded rather than ranked last.
func (s *PostgresStore) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, session_id, role, content, images, tool_calls, tool_results, approval,
	debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at
FROM messages
WHERE session_id = $1
  AND (
    to_tsvector('english', content) @@ plainto_tsquery('english', $2)
    OR similarity(content, $2) > 0.2
  )
ORDER BY
  ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC,
  similarity(content, $2) DESC
LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, sessionID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
