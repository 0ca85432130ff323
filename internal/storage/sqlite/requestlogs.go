package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codexlb/codexlb/internal/codexlb"
)

// InsertBatch bulk-inserts request logs. A single multi-row INSERT avoids
// N round-trips for large batches.
func (s *Store) InsertBatch(ctx context.Context, logs []codexlb.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 14
	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*cols)

	for i, l := range logs {
		if l.ID == "" {
			l.ID = uuid.Must(uuid.NewV7()).String()
		}
		if l.RequestedAt.IsZero() {
			l.RequestedAt = time.Now().UTC()
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			l.ID, l.AccountID, l.RequestID, l.Model,
			l.InputTokens, l.OutputTokens, l.CachedInputTokens, l.ReasoningTokens,
			l.ReasoningEffort, l.LatencyMs, l.Status, l.ErrorCode, l.ErrorMessage,
			formatTime(l.RequestedAt),
		)
	}

	query := `INSERT INTO request_logs
		(id, account_id, request_id, model,
		 input_tokens, output_tokens, cached_input_tokens, reasoning_tokens,
		 reasoning_effort, latency_ms, status, error_code, error_message,
		 requested_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert request logs: %w", err)
	}
	return nil
}
