// Package monitor 将结算过程事件持久化到 SQLite，供接口查询。
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/plan"
	"storefront/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger.Named("monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS checkout_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	attempt_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkout_events_type ON checkout_events(event_type);
CREATE INDEX IF NOT EXISTS idx_checkout_events_attempt ON checkout_events(attempt_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO checkout_events (event_type, attempt_id, payload, created_at)
		 VALUES (:event_type, :attempt_id, :payload, :created_at)`,
		eventRow{
			Type:      string(event.Type),
			AttemptID: event.AttemptID,
			Payload:   string(payload),
			CreatedAt: event.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordPlan 记录结算计划摘要。
func (s *Service) RecordPlan(ctx context.Context, p *plan.Plan) {
	payload := PlanBuiltPayload{
		Buyer:          p.Buyer.Hex(),
		Items:          len(p.Items),
		ReferralFeeUSD: p.ReferralFeeUSD,
	}
	for _, step := range p.Steps() {
		payload.Steps = append(payload.Steps, step.ID)
	}
	if len(p.Failures) > 0 {
		payload.Failures = make(map[string]string, len(p.Failures))
		for _, f := range p.Failures {
			payload.Failures[f.ItemID] = f.Error()
		}
	}
	if p.Referral != nil {
		payload.ReferralCode = p.Referral.Code
	}

	if err := s.Record(ctx, Event{
		Type:      EventPlanBuilt,
		AttemptID: p.AttemptID,
		Timestamp: p.BuiltAt,
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录结算计划失败", zap.Error(err))
	}
}

// RecordStatus 记录状态事件，条目级与步骤级分开存储。
func (s *Service) RecordStatus(ctx context.Context, ev cart.StatusEvent) {
	typ := EventItemStatus
	if ev.StepID != "" {
		typ = EventStepStatus
	}
	if err := s.Record(ctx, Event{
		Type:      typ,
		AttemptID: ev.AttemptID,
		Timestamp: ev.At,
		Payload: StatusPayload{
			ItemID:  ev.ItemID,
			StepID:  ev.StepID,
			Status:  ev.Status,
			Code:    ev.Code,
			Reason:  ev.Reason,
			TxHash:  ev.TxHash,
			Settled: ev.Settled,
		},
	}); err != nil {
		s.logger.Warn("记录状态事件失败", zap.String("item_id", ev.ItemID), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	attemptID, _ := ctxMap["attempt_id"].(string)
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		AttemptID: attemptID,
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，可选按结算尝试过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, attemptID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, attempt_id, payload, created_at FROM checkout_events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	if attemptID != "" {
		query += ` AND attempt_id = ?`
		args = append(args, attemptID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ts, parseErr := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if parseErr != nil {
			ts = s.now()
		}
		events = append(events, Event{
			Type:      EventType(row.Type),
			AttemptID: row.AttemptID,
			Timestamp: ts,
			Payload:   json.RawMessage(row.Payload),
		})
	}
	return events, nil
}
