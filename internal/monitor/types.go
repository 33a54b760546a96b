package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/cart"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventPlanBuilt  EventType = "plan_built"
	EventItemStatus EventType = "item_status"
	EventStepStatus EventType = "step_status"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	AttemptID string      `json:"attempt_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// PlanBuiltPayload 记录结算计划摘要。
type PlanBuiltPayload struct {
	Buyer          string            `json:"buyer"`
	Items          int               `json:"items"`
	Steps          []string          `json:"steps"`
	Failures       map[string]string `json:"failures,omitempty"`
	ReferralCode   string            `json:"referral_code,omitempty"`
	ReferralFeeUSD decimal.Decimal   `json:"referral_fee_usd"`
}

// StatusPayload 记录条目或步骤状态变化。
type StatusPayload struct {
	ItemID string      `json:"item_id"`
	StepID string      `json:"step_id,omitempty"`
	Status cart.Status `json:"status"`
	Code   string      `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
	TxHash string      `json:"tx_hash,omitempty"`
	// Settled 表示条目失败但链上效果已经发生。
	Settled bool `json:"settled,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type eventRow struct {
	Type      string `db:"event_type"`
	AttemptID string `db:"attempt_id"`
	Payload   string `db:"payload"`
	CreatedAt string `db:"created_at"`
}
