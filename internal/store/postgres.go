package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/storage"
)

// externalWorkflowCacheTTL bounds how long a workflow-id -> step-id mapping
// may be served from cache before falling back to Postgres. Short enough
// that a crashed invalidation (e.g. the process dies between the DB commit
// and the cache delete in CompleteStepFromEvent) self-heals within one TTL
// window instead of wedging the step indefinitely.
const externalWorkflowCacheTTL = 30 * time.Second

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	cache  storage.Storage
}

// Open connects to databaseURL and tunes the connection pool.
func Open(databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db, logger: logger}, nil
}

// SetCache attaches a Redis-backed cache fronting GetStepByExternalWorkflowID,
// the hot path every inbound event in internal/eventrouter takes. Optional:
// a nil cache (the default) just means every lookup hits Postgres directly.
func (s *PostgresStore) SetCache(c storage.Storage) { s.cache = c }

func externalWorkflowCacheKey(externalWorkflowID string) string {
	return "step_by_ext_wf:" + externalWorkflowID
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *PostgresStore) Close() error                   { return s.db.Close() }

type executionRow struct {
	ID                 string         `db:"id"`
	Version            int64          `db:"version"`
	Definition         []byte         `db:"definition"`
	Initiator          string         `db:"initiator"`
	Status             string         `db:"status"`
	ProgressPercentage float64        `db:"progress_percentage"`
	StartTime          *time.Time     `db:"start_time"`
	EndTime            *time.Time     `db:"end_time"`
	FinalOutputs       []byte         `db:"final_outputs"`
	ErrorInfo          []byte         `db:"error_info"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.PipelineExecution) error {
	def, err := json.Marshal(exec.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, version, definition, initiator, status, progress_percentage, start_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		exec.ID, exec.Version, def, exec.Initiator, exec.Status, exec.ProgressPercentage, exec.StartTime)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.PipelineExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM pipeline_executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToExecution(row)
}

func rowToExecution(row executionRow) (*models.PipelineExecution, error) {
	exec := &models.PipelineExecution{
		ID:                 row.ID,
		Version:            row.Version,
		Initiator:          row.Initiator,
		Status:             models.ExecutionStatus(row.Status),
		ProgressPercentage: row.ProgressPercentage,
		StartTime:          row.StartTime,
		EndTime:            row.EndTime,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if len(row.Definition) > 0 {
		if err := json.Unmarshal(row.Definition, &exec.Definition); err != nil {
			return nil, err
		}
	}
	if len(row.FinalOutputs) > 0 {
		if err := json.Unmarshal(row.FinalOutputs, &exec.FinalOutputs); err != nil {
			return nil, err
		}
	}
	if len(row.ErrorInfo) > 0 {
		exec.ErrorInfo = &models.ErrorInfo{}
		if err := json.Unmarshal(row.ErrorInfo, exec.ErrorInfo); err != nil {
			return nil, err
		}
	}
	return exec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.PipelineExecution, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	argN := 1
	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(" AND %s $%d", clause, argN)
		args = append(args, v)
		argN++
	}
	if filter.Status != "" {
		add("status =", filter.Status)
	}
	if filter.Initiator != "" {
		add("initiator =", filter.Initiator)
	}
	if filter.CreatedAfter != nil {
		add("created_at >=", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at <", *filter.CreatedBefore)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM pipeline_executions `+where, args...); err != nil {
		return nil, 0, err
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`SELECT * FROM pipeline_executions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, argN, argN+1)
	args = append(args, pageSize, offset)

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	out := make([]*models.PipelineExecution, 0, len(rows))
	for _, row := range rows {
		exec, err := rowToExecution(row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, exec)
	}
	return out, total, nil
}

func (s *PostgresStore) UpdateExecutionWithVersion(ctx context.Context, id string, expectedVersion int64, patch ExecutionPatch) (int64, error) {
	set := "version = version + 1, updated_at = now()"
	args := []interface{}{}
	argN := 1
	add := func(clause string, v interface{}) {
		set += fmt.Sprintf(", %s = $%d", clause, argN)
		args = append(args, v)
		argN++
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ProgressPercentage != nil {
		add("progress_percentage", *patch.ProgressPercentage)
	}
	if patch.StartTime != nil {
		add("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}
	if patch.FinalOutputs != nil {
		b, err := json.Marshal(patch.FinalOutputs)
		if err != nil {
			return 0, err
		}
		add("final_outputs", b)
	}
	if patch.ErrorInfo != nil {
		b, err := json.Marshal(patch.ErrorInfo)
		if err != nil {
			return 0, err
		}
		add("error_info", b)
	}

	query := fmt.Sprintf(`UPDATE pipeline_executions SET %s WHERE id = $%d AND version = $%d`, set, argN, argN+1)
	args = append(args, id, expectedVersion)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, errs.Wrap(errs.KindOptimisticLock, fmt.Sprintf("execution %s version mismatch (expected %d)", id, expectedVersion), nil)
	}
	return expectedVersion + 1, nil
}

func (s *PostgresStore) DeleteExecution(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_executions WHERE id = $1`, id)
	return err
}

type stepRow struct {
	ID                 string     `db:"id"`
	ExecutionID        string     `db:"execution_id"`
	Version            int64      `db:"version"`
	StepID             string     `db:"step_id"`
	StepName           string     `db:"step_name"`
	Status             string     `db:"status"`
	StartTime          *time.Time `db:"start_time"`
	EndTime            *time.Time `db:"end_time"`
	ProgressPercentage float64    `db:"progress_percentage"`
	Outputs            []byte     `db:"outputs"`
	ErrorMessage       string     `db:"error_message"`
	RetryCount         int        `db:"retry_count"`
	SequenceNumber     int        `db:"sequence_number"`
	HandlerType        string     `db:"handler_type"`
	AwaitingEvent      bool       `db:"awaiting_event"`
	ExternalWorkflowID string     `db:"external_workflow_id"`
	EventDeadline      *time.Time `db:"event_deadline"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func rowToStep(row stepRow) (*models.StepExecution, error) {
	step := &models.StepExecution{
		ID:                 row.ID,
		ExecutionID:        row.ExecutionID,
		Version:            row.Version,
		StepID:             row.StepID,
		StepName:           row.StepName,
		Status:             models.StepStatus(row.Status),
		StartTime:          row.StartTime,
		EndTime:            row.EndTime,
		ProgressPercentage: row.ProgressPercentage,
		ErrorMessage:       row.ErrorMessage,
		RetryCount:         row.RetryCount,
		SequenceNumber:     row.SequenceNumber,
		HandlerType:        row.HandlerType,
		AwaitingEvent:      row.AwaitingEvent,
		ExternalWorkflowID: row.ExternalWorkflowID,
		EventDeadline:      row.EventDeadline,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &step.Outputs); err != nil {
			return nil, err
		}
	}
	return step, nil
}

func (s *PostgresStore) CreateStep(ctx context.Context, step *models.StepExecution) error {
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_executions (id, execution_id, version, step_id, step_name, status, progress_percentage, outputs, retry_count, sequence_number, handler_type, awaiting_event, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now())`,
		step.ID, step.ExecutionID, step.Version, step.StepID, step.StepName, step.Status,
		step.ProgressPercentage, outputs, step.RetryCount, step.SequenceNumber, step.HandlerType, step.AwaitingEvent)
	return err
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (*models.StepExecution, error) {
	var row stepRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM step_executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToStep(row)
}

func (s *PostgresStore) GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*models.StepExecution, error) {
	if s.cache != nil {
		if stepID, err := s.cache.Get(ctx, externalWorkflowCacheKey(externalWorkflowID)); err == nil && stepID != "" {
			step, err := s.GetStep(ctx, stepID)
			if err == nil && step != nil && step.AwaitingEvent && step.ExternalWorkflowID == externalWorkflowID {
				return step, nil
			}
			// Stale or already-completed mapping: fall through to a fresh
			// lookup rather than trusting the cached pointer.
			_ = s.cache.Delete(ctx, externalWorkflowCacheKey(externalWorkflowID))
		}
	}

	var row stepRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM step_executions WHERE external_workflow_id = $1`, externalWorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	step, err := rowToStep(row)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && step.AwaitingEvent {
		_ = s.cache.Set(ctx, externalWorkflowCacheKey(externalWorkflowID), step.ID, externalWorkflowCacheTTL)
	}
	return step, nil
}

func (s *PostgresStore) GetStepsByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	var rows []stepRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM step_executions WHERE execution_id = $1 ORDER BY sequence_number`, executionID); err != nil {
		return nil, err
	}
	return rowsToSteps(rows)
}

func (s *PostgresStore) GetAwaitingStepsForExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	var rows []stepRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM step_executions WHERE execution_id = $1 AND awaiting_event = true`, executionID); err != nil {
		return nil, err
	}
	return rowsToSteps(rows)
}

func (s *PostgresStore) ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*models.StepExecution, error) {
	var rows []stepRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM step_executions WHERE awaiting_event = true AND event_deadline < $1`, now); err != nil {
		return nil, err
	}
	return rowsToSteps(rows)
}

func rowsToSteps(rows []stepRow) ([]*models.StepExecution, error) {
	out := make([]*models.StepExecution, 0, len(rows))
	for _, row := range rows {
		step, err := rowToStep(row)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStepWithVersion(ctx context.Context, id string, expectedVersion int64, patch StepPatch) (int64, error) {
	set := "version = version + 1, updated_at = now()"
	args := []interface{}{}
	argN := 1
	add := func(clause string, v interface{}) {
		set += fmt.Sprintf(", %s = $%d", clause, argN)
		args = append(args, v)
		argN++
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ProgressPercentage != nil {
		add("progress_percentage", *patch.ProgressPercentage)
	}
	if patch.Outputs != nil {
		b, err := json.Marshal(patch.Outputs)
		if err != nil {
			return 0, err
		}
		add("outputs", b)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.AwaitingEvent != nil {
		add("awaiting_event", *patch.AwaitingEvent)
	}
	if patch.ExternalWorkflowID != nil {
		add("external_workflow_id", *patch.ExternalWorkflowID)
	}
	if patch.EventDeadline != nil {
		add("event_deadline", *patch.EventDeadline)
	}
	if patch.StartTime != nil {
		add("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		add("end_time", *patch.EndTime)
	}

	query := fmt.Sprintf(`UPDATE step_executions SET %s WHERE id = $%d AND version = $%d`, set, argN, argN+1)
	args = append(args, id, expectedVersion)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, errs.Wrap(errs.KindOptimisticLock, fmt.Sprintf("step %s version mismatch (expected %d)", id, expectedVersion), nil)
	}
	return expectedVersion + 1, nil
}

// CompleteStepFromEvent is the event-router/timeout completion path: set
// terminal status, store the merged outputs, and bump the version in one
// optimistic write.
func (s *PostgresStore) CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status models.StepStatus, outputs map[string]interface{}, errMsg string) (int64, error) {
	patch := StepPatch{
		Status:        &status,
		Outputs:       outputs,
		AwaitingEvent: boolPtr(false),
		EndTime:       timePtr(time.Now().UTC()),
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	newVersion, err := s.UpdateStepWithVersion(ctx, id, expectedVersion, patch)
	if err == nil && s.cache != nil {
		if completed, getErr := s.GetStep(ctx, id); getErr == nil && completed != nil && completed.ExternalWorkflowID != "" {
			_ = s.cache.Delete(ctx, externalWorkflowCacheKey(completed.ExternalWorkflowID))
		}
	}
	return newVersion, err
}

func (s *PostgresStore) DeleteStepsByExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM step_executions WHERE execution_id = $1`, executionID)
	return err
}

// AppendProgressEvent assigns the next sequence_number atomically via a
// per-execution counter row upserted inside the insert's transaction; the
// ON CONFLICT update row-locks the counter, so concurrent appends for the
// same execution serialize and the sequence stays strictly monotonic.
func (s *PostgresStore) AppendProgressEvent(ctx context.Context, event *models.ProgressEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	err = tx.GetContext(ctx, &next, `
		INSERT INTO progress_event_sequences (execution_id, next_value)
		VALUES ($1, 1)
		ON CONFLICT (execution_id) DO UPDATE SET next_value = progress_event_sequences.next_value + 1
		RETURNING next_value`, event.ExecutionID)
	if err != nil {
		return err
	}
	event.SequenceNumber = next

	details, err := json.Marshal(event.EventDetails)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_events (id, execution_id, event_type, progress_percentage, eta_seconds, current_step_desc, event_details, timestamp, sequence_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, event.ExecutionID, event.EventType, event.ProgressPercentage, event.ETASeconds,
		event.CurrentStepDesc, details, event.Timestamp, event.SequenceNumber)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListProgressEvents(ctx context.Context, executionID string, filter ProgressFilter) ([]*models.ProgressEvent, error) {
	where := "WHERE execution_id = $1"
	args := []interface{}{executionID}
	argN := 2
	if filter.EventType != "" {
		where += fmt.Sprintf(" AND event_type = $%d", argN)
		args = append(args, filter.EventType)
		argN++
	}
	if filter.Since != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", argN)
		args = append(args, *filter.Since)
		argN++
	}
	order := "ORDER BY timestamp DESC"
	if filter.OrderBySequence {
		order = "ORDER BY sequence_number ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT * FROM progress_events %s %s LIMIT $%d`, where, order, argN)
	args = append(args, limit)

	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rowsToProgress(rows)
}

type progressRow struct {
	ID                 string    `db:"id"`
	ExecutionID        string    `db:"execution_id"`
	EventType          string    `db:"event_type"`
	ProgressPercentage float64   `db:"progress_percentage"`
	ETASeconds         *int      `db:"eta_seconds"`
	CurrentStepDesc    string    `db:"current_step_desc"`
	EventDetails       []byte    `db:"event_details"`
	Timestamp          time.Time `db:"timestamp"`
	SequenceNumber     int64     `db:"sequence_number"`
}

func rowsToProgress(rows []progressRow) ([]*models.ProgressEvent, error) {
	out := make([]*models.ProgressEvent, 0, len(rows))
	for _, row := range rows {
		ev := &models.ProgressEvent{
			ID:                 row.ID,
			ExecutionID:        row.ExecutionID,
			EventType:          models.ProgressEventType(row.EventType),
			ProgressPercentage: row.ProgressPercentage,
			ETASeconds:         row.ETASeconds,
			CurrentStepDesc:    row.CurrentStepDesc,
			Timestamp:          row.Timestamp,
			SequenceNumber:     row.SequenceNumber,
		}
		if len(row.EventDetails) > 0 {
			if err := json.Unmarshal(row.EventDetails, &ev.EventDetails); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *PostgresStore) GetLatestProgressEvent(ctx context.Context, executionID string) (*models.ProgressEvent, error) {
	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM progress_events WHERE execution_id = $1 ORDER BY sequence_number DESC LIMIT 1`, executionID); err != nil {
		return nil, err
	}
	events, err := rowsToProgress(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *PostgresStore) DeleteProgressEventsByExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress_events WHERE execution_id = $1`, executionID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM progress_event_sequences WHERE execution_id = $1`, executionID)
	return err
}

func (s *PostgresStore) CreateSubscriptions(ctx context.Context, subs []*models.ExecutionSubscription) error {
	if len(subs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, sub := range subs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_subscriptions (id, execution_id, callback_topic, subscription_time, expiry_time, delivery_status)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			sub.ID, sub.ExecutionID, sub.CallbackTopic, sub.SubscriptionTime, sub.ExpiryTime, sub.DeliveryStatus)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetActiveTopics(ctx context.Context, executionID string) ([]string, error) {
	var topics []string
	err := s.db.SelectContext(ctx, &topics, `
		SELECT callback_topic FROM execution_subscriptions WHERE execution_id = $1 AND delivery_status = 'active'`, executionID)
	return topics, err
}

func (s *PostgresStore) MarkDeliverySuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_subscriptions SET delivery_status = 'active' WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_subscriptions SET delivery_status = 'failed' WHERE id = $1`, id)
	_ = reason
	return err
}

func (s *PostgresStore) ExpireSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_subscriptions SET delivery_status = 'expired' WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteSubscriptionsByExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM execution_subscriptions WHERE execution_id = $1`, executionID)
	return err
}

func (s *PostgresStore) ListExecutionsForRetention(ctx context.Context, cutoff time.Time, batchSize int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM pipeline_executions
		WHERE status IN ('COMPLETED','FAILED','INTERRUPTED') AND created_at < $1
		LIMIT $2`, cutoff, batchSize)
	return ids, err
}

func boolPtr(b bool) *bool          { return &b }
func timePtr(t time.Time) *time.Time { return &t }
