package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"loomchat/engine/internal/model"
)

type sqliteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) UpsertThread(ctx context.Context, thread *model.Thread) error {
	query := `
		INSERT INTO threads (id, title, pinned, pinned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			pinned = excluded.pinned,
			pinned_at = excluded.pinned_at,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		thread.ID, thread.Title, thread.Pinned, thread.PinnedAt, thread.CreatedAt, thread.UpdatedAt)
	return err
}

func (r *sqliteRepository) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	query := "SELECT id, title, pinned, pinned_at, created_at, updated_at FROM threads WHERE id = ?"
	row := r.db.QueryRowContext(ctx, query, threadID)

	var thread model.Thread
	var pinnedAt sql.NullTime
	err := row.Scan(&thread.ID, &thread.Title, &thread.Pinned, &pinnedAt, &thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if pinnedAt.Valid {
		t := pinnedAt.Time
		thread.PinnedAt = &t
	}
	return &thread, nil
}

func (r *sqliteRepository) ListThreads(ctx context.Context) ([]*model.Thread, error) {
	query := "SELECT id, title, pinned, pinned_at, created_at, updated_at FROM threads ORDER BY updated_at DESC"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*model.Thread
	for rows.Next() {
		var thread model.Thread
		var pinnedAt sql.NullTime
		if err := rows.Scan(&thread.ID, &thread.Title, &thread.Pinned, &pinnedAt, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, err
		}
		if pinnedAt.Valid {
			t := pinnedAt.Time
			thread.PinnedAt = &t
		}
		threads = append(threads, &thread)
	}
	return threads, rows.Err()
}

func (r *sqliteRepository) DeleteThread(ctx context.Context, threadID string) error {
	// Items cascade via the schema's foreign key.
	_, err := r.db.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", threadID)
	return err
}

func (r *sqliteRepository) CountThreads(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threads").Scan(&n)
	return n, err
}

const itemColumns = `id, thread_id, parent_id, branch_root_id, mode, status,
	query, answer, thinking_process, steps, sources, suggestions,
	tool_calls, tool_results, object, error_message,
	tokens_used, generation_duration_ms, metadata, created_at, updated_at`

const upsertItemQuery = `
	INSERT INTO thread_items (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		thread_id = excluded.thread_id,
		parent_id = excluded.parent_id,
		branch_root_id = excluded.branch_root_id,
		mode = excluded.mode,
		status = excluded.status,
		query = excluded.query,
		answer = excluded.answer,
		thinking_process = excluded.thinking_process,
		steps = excluded.steps,
		sources = excluded.sources,
		suggestions = excluded.suggestions,
		tool_calls = excluded.tool_calls,
		tool_results = excluded.tool_results,
		object = excluded.object,
		error_message = excluded.error_message,
		tokens_used = excluded.tokens_used,
		generation_duration_ms = excluded.generation_duration_ms,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at
`

func (r *sqliteRepository) UpsertItem(ctx context.Context, item *model.ThreadItem) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsertItemQuery, args...)
	return err
}

// BulkUpsertItems writes all items in a single transaction. This is the path
// the batching queue uses to flush a coalescing window in one shot.
func (r *sqliteRepository) BulkUpsertItems(ctx context.Context, items []model.ThreadItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertItemQuery)
	if err != nil {
		return fmt.Errorf("could not prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range items {
		args, err := itemArgs(&items[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("could not upsert item %s: %w", items[i].ID, err)
		}
	}
	return tx.Commit()
}

func (r *sqliteRepository) GetItem(ctx context.Context, itemID string) (*model.ThreadItem, error) {
	query := "SELECT " + itemColumns + " FROM thread_items WHERE id = ?"
	item, err := scanItem(r.db.QueryRowContext(ctx, query, itemID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (r *sqliteRepository) ListItemsByThread(ctx context.Context, threadID string) ([]model.ThreadItem, error) {
	query := "SELECT " + itemColumns + " FROM thread_items WHERE thread_id = ? ORDER BY created_at ASC"
	rows, err := r.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.ThreadItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *sqliteRepository) DeleteItem(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM thread_items WHERE id = ?", itemID)
	return err
}

func (r *sqliteRepository) DeleteItemsAfter(ctx context.Context, threadID string, after time.Time) error {
	query := "DELETE FROM thread_items WHERE thread_id = ? AND created_at > ?"
	_, err := r.db.ExecContext(ctx, query, threadID, after)
	return err
}

func (r *sqliteRepository) CountItems(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM thread_items").Scan(&n)
	return n, err
}

func (r *sqliteRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (r *sqliteRepository) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := r.db.ExecContext(ctx, query, key, value)
	return err
}

// itemArgs flattens a ThreadItem into the upsert parameter list. Structured
// fields are stored as JSON text columns; empty collections store NULL.
func itemArgs(item *model.ThreadItem) ([]any, error) {
	queryJSON, err := json.Marshal(item.Query)
	if err != nil {
		return nil, fmt.Errorf("could not marshal query: %w", err)
	}
	answerJSON, err := json.Marshal(item.Answer)
	if err != nil {
		return nil, fmt.Errorf("could not marshal answer: %w", err)
	}

	steps, err := marshalNullable(item.Steps, len(item.Steps) > 0)
	if err != nil {
		return nil, err
	}
	sources, err := marshalNullable(item.Sources, len(item.Sources) > 0)
	if err != nil {
		return nil, err
	}
	suggestions, err := marshalNullable(item.Suggestions, len(item.Suggestions) > 0)
	if err != nil {
		return nil, err
	}
	toolCalls, err := marshalNullable(item.ToolCalls, len(item.ToolCalls) > 0)
	if err != nil {
		return nil, err
	}
	toolResults, err := marshalNullable(item.ToolResults, len(item.ToolResults) > 0)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalNullable(item.Metadata, len(item.Metadata) > 0)
	if err != nil {
		return nil, err
	}

	var object sql.NullString
	if len(item.Object) > 0 {
		object = sql.NullString{String: string(item.Object), Valid: true}
	}

	return []any{
		item.ID,
		item.ThreadID,
		item.ParentID,
		nullIfEmpty(item.BranchRootID),
		nullIfEmpty(item.Mode),
		string(item.Status),
		string(queryJSON),
		string(answerJSON),
		nullIfEmpty(item.ThinkingProcess),
		steps,
		sources,
		suggestions,
		toolCalls,
		toolResults,
		object,
		nullIfEmpty(item.ErrorMessage),
		item.TokensUsed,
		item.GenerationDurationMs,
		metadata,
		item.CreatedAt,
		item.UpdatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.ThreadItem, error) {
	var item model.ThreadItem
	var parentID, branchRootID, mode, thinking, errorMessage sql.NullString
	var queryJSON, answerJSON string
	var steps, sources, suggestions, toolCalls, toolResults, object, metadata sql.NullString
	var status string

	err := row.Scan(
		&item.ID, &item.ThreadID, &parentID, &branchRootID, &mode, &status,
		&queryJSON, &answerJSON, &thinking, &steps, &sources, &suggestions,
		&toolCalls, &toolResults, &object, &errorMessage,
		&item.TokensUsed, &item.GenerationDurationMs, &metadata,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Status = model.ItemStatus(status)
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	item.BranchRootID = branchRootID.String
	item.Mode = mode.String
	item.ThinkingProcess = thinking.String
	item.ErrorMessage = errorMessage.String
	if object.Valid {
		item.Object = json.RawMessage(object.String)
	}

	if err := json.Unmarshal([]byte(queryJSON), &item.Query); err != nil {
		return nil, fmt.Errorf("could not unmarshal query for item %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(answerJSON), &item.Answer); err != nil {
		return nil, fmt.Errorf("could not unmarshal answer for item %s: %w", item.ID, err)
	}
	if err := unmarshalNullable(steps, &item.Steps); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(sources, &item.Sources); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(suggestions, &item.Suggestions); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(toolCalls, &item.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(toolResults, &item.ToolResults); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(metadata, &item.Metadata); err != nil {
		return nil, err
	}
	return &item, nil
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("could not marshal column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable[T any](col sql.NullString, dest *T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
