package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/checkout"
	"storefront/internal/failure"
	"storefront/internal/monitor"
	"storefront/internal/plan"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

type cartResponse struct {
	Buyer        string                    `json:"buyer"`
	Items        []cart.Item               `json:"items"`
	States       map[string]cart.ItemState `json:"states"`
	ReferralCode string                    `json:"referral_code,omitempty"`
}

type checkoutRequest struct {
	ReferralCode string `json:"referral_code"`
}

type itemFailure struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type planResponse struct {
	AttemptID      string                 `json:"attempt_id"`
	Buyer          string                 `json:"buyer"`
	Chains         []plan.ChainPlan       `json:"chains"`
	Failures       map[string]itemFailure `json:"failures,omitempty"`
	Statuses       map[string]cart.Status `json:"statuses"`
	ReferralCode   string                 `json:"referral_code,omitempty"`
	ReferralFees   []plan.FeeTotal        `json:"referral_fees,omitempty"`
	ReferralFeeUSD decimal.Decimal        `json:"referral_fee_usd"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cart(w, r)
	if !ok {
		return
	}
	resp := cartResponse{
		Buyer:  c.Buyer().Hex(),
		Items:  c.Items(),
		States: c.States(),
	}
	if s.deps.Referrals != nil {
		resp.ReferralCode, _ = s.deps.Referrals.Current(c.Buyer())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleClearCart 清空购物车并结束买家的推荐会话。
func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cart(w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Referrals != nil {
		s.deps.Referrals.Clear(c.Buyer())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cart(w, r)
	if !ok {
		return
	}

	var item cart.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := item.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	added, err := c.Add(r.Context(), item)
	switch {
	case errors.Is(err, cart.ErrDuplicateItem):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusCreated, added)
	}
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cart(w, r)
	if !ok {
		return
	}
	err := c.Remove(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, cart.ErrItemNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCheckout 构建计划并在后台提交；响应只包含计划摘要，状态通过购物车与事件查询。
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.buyer(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	p, err := s.deps.Checkout.BuildSettlementPlan(r.Context(), buyer, strings.TrimSpace(req.ReferralCode))
	if err != nil {
		s.writeError(w, checkoutStatus(err), err)
		return
	}

	events, err := s.deps.Checkout.Execute(s.base, p)
	if err != nil {
		s.writeError(w, checkoutStatus(err), err)
		return
	}
	s.drain(p.AttemptID, events)

	s.writeJSON(w, http.StatusAccepted, summarize(p))
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := mux.Vars(r)["attempt"]
	p, ok := s.deps.Checkout.Attempt(attemptID)
	if !ok {
		s.writeError(w, http.StatusNotFound, checkout.ErrUnknownAttempt)
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(p))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	attemptID := mux.Vars(r)["attempt"]
	p, events, err := s.deps.Checkout.RetryFailed(s.base, attemptID)
	if err != nil {
		s.writeError(w, checkoutStatus(err), err)
		return
	}
	s.drain(p.AttemptID, events)
	s.writeJSON(w, http.StatusAccepted, summarize(p))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > maxEventLimit {
				v = maxEventLimit
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := s.deps.Events.ListEvents(r.Context(), eventType, strings.TrimSpace(q.Get("attempt")), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) buyer(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["buyer"]
	if !common.IsHexAddress(raw) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid buyer address"})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) cart(w http.ResponseWriter, r *http.Request) (*cart.Cart, bool) {
	buyer, ok := s.buyer(w, r)
	if !ok {
		return nil, false
	}
	c, err := s.deps.Carts.Get(r.Context(), buyer)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return c, true
}

func checkoutStatus(err error) int {
	switch {
	case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, checkout.ErrCheckoutInProgress):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrBuyerMismatch):
		return http.StatusForbidden
	case errors.Is(err, checkout.ErrUnknownAttempt):
		return http.StatusNotFound
	case errors.Is(err, failure.ErrUnsupportedProtocol):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func summarize(p *plan.Plan) planResponse {
	resp := planResponse{
		AttemptID:      p.AttemptID,
		Buyer:          p.Buyer.Hex(),
		Chains:         p.Chains,
		Statuses:       p.ItemStatuses(),
		ReferralFees:   p.ReferralFees,
		ReferralFeeUSD: p.ReferralFeeUSD,
	}
	if len(p.Failures) > 0 {
		resp.Failures = make(map[string]itemFailure, len(p.Failures))
		for _, f := range p.Failures {
			resp.Failures[f.ItemID] = itemFailure{Code: failure.Code(f.Err), Reason: f.Reason}
		}
	}
	if p.Referral != nil {
		resp.ReferralCode = p.Referral.Code
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", zap.Error(err))
	}
	code := failure.Code(err)
	if code == "Unknown" {
		code = ""
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}
