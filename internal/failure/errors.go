// Package failure 定义结算流程的错误分类。
package failure

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoRoute 表示所有路由服务都找不到可用路径，不重试。
	ErrNoRoute = errors.New("no route")
	// ErrProviderUnavailable 表示路由服务暂时不可用，可重试。
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrRateLimited 表示路由服务限流，退避后可重试。
	ErrRateLimited = errors.New("rate limited")
	// ErrSlippageExceeded 表示成交量低于滑点下限，需要重新询价。
	ErrSlippageExceeded = errors.New("slippage exceeded")
	// ErrQuoteExpired 表示报价已过期，需要重新询价。
	ErrQuoteExpired = errors.New("quote expired, re-quote required")
	// ErrUnsupportedProtocol 表示交易所地址不在适配表内，属于配置缺陷。
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrOrderNoLongerAvailable 表示挂单已成交或已取消。
	ErrOrderNoLongerAvailable = errors.New("order no longer available")
	// ErrDuplicateOrder 表示购物车中多个条目指向同一挂单。
	ErrDuplicateOrder = errors.New("duplicate order in cart")
	// ErrNoAttribution 表示买家没有可用的推荐归属。
	ErrNoAttribution = errors.New("no referral attribution")
	// ErrInvalidReferral 表示推荐码无效，结算继续但不收推荐费。
	ErrInvalidReferral = errors.New("invalid referral")
	// ErrInsufficientAllowance 表示授权额度不足，需要插入 approve 步骤。
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrStepReverted 表示链上调用被回滚或被拒绝。
	ErrStepReverted = errors.New("step reverted")
	// ErrDependencyFailed 表示前置步骤失败导致后续步骤未执行。
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrUnconfirmed 表示交易已广播但未能确认结果，不能重新提交。
	ErrUnconfirmed = errors.New("broadcast, outcome unknown")
)

// Retryable 判断错误是否可以原样重试。
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrRateLimited)
}

// Fatal 判断错误是否应中止整个结算计划的构建。
func Fatal(err error) bool {
	return errors.Is(err, ErrUnsupportedProtocol)
}

// Cancelled 判断错误是否来自上下文取消或超时。
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ItemError 将失败限定在单个购物车条目上。
type ItemError struct {
	ItemID string
	Err    error
	Reason string
}

func (e *ItemError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("item %s: %v (%s)", e.ItemID, e.Err, e.Reason)
	}
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ForItem 构造条目级错误。
func ForItem(itemID string, err error, reason string) *ItemError {
	return &ItemError{ItemID: itemID, Err: err, Reason: reason}
}

// Reverted 构造带链上回滚原因的错误。
func Reverted(reason string) error {
	if reason == "" {
		return ErrStepReverted
	}
	return fmt.Errorf("%w: %s", ErrStepReverted, reason)
}

// Code 返回错误的稳定短码，用于状态事件与接口输出。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoRoute):
		return "NoRoute"
	case errors.Is(err, ErrProviderUnavailable):
		return "ProviderUnavailable"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrSlippageExceeded):
		return "SlippageExceeded"
	case errors.Is(err, ErrQuoteExpired):
		return "QuoteExpired"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "UnsupportedProtocol"
	case errors.Is(err, ErrOrderNoLongerAvailable):
		return "OrderNoLongerAvailable"
	case errors.Is(err, ErrDuplicateOrder):
		return "DuplicateOrder"
	case errors.Is(err, ErrNoAttribution):
		return "NoAttribution"
	case errors.Is(err, ErrInvalidReferral):
		return "InvalidReferral"
	case errors.Is(err, ErrInsufficientAllowance):
		return "InsufficientAllowance"
	case errors.Is(err, ErrStepReverted):
		return "StepReverted"
	case errors.Is(err, ErrDependencyFailed):
		return "DependencyFailed"
	case errors.Is(err, ErrUnconfirmed):
		return "Unconfirmed"
	case Cancelled(err):
		return "Cancelled"
	default:
		return "Unknown"
	}
}
