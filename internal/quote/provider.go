package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/config"
	"storefront/internal/failure"
)

// Provider 为路由询价服务。
// 返回的错误需包装 failure.ErrNoRoute / ErrRateLimited / ErrProviderUnavailable 之一。
type Provider interface {
	Name() string
	Quote(ctx context.Context, req Request) (ProviderQuote, error)
}

// HTTPProvider 通过 JSON HTTP 接口询价。
type HTTPProvider struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPProvider 根据配置创建 HTTP 路由服务客户端。
func NewHTTPProvider(cfg config.ProviderConfig) (*HTTPProvider, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, errors.New("quote: provider 缺少 name 或 base_url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回服务名。
func (p *HTTPProvider) Name() string {
	return p.name
}

type httpQuoteResponse struct {
	AmountOut      string   `json:"amountOut"`
	Route          []string `json:"route"`
	GasEstimate    string   `json:"gasEstimate"`
	PriceImpactBps uint32   `json:"priceImpactBps"`
	Error          string   `json:"error,omitempty"`
}

// Quote 请求 {chainId, tokenIn, tokenOut, amountIn} 并解析 {amountOut, route, gasEstimate}。
func (p *HTTPProvider) Quote(ctx context.Context, req Request) (ProviderQuote, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(req.ChainID, 10))
	q.Set("tokenIn", req.TokenIn.Hex())
	q.Set("tokenOut", req.TokenOut.Hex())
	q.Set("amountIn", req.AmountIn.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return ProviderQuote{}, fmt.Errorf("quote: 构造请求失败: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ProviderQuote{}, ctx.Err()
		}
		return ProviderQuote{}, fmt.Errorf("quote: %s 请求失败: %v: %w", p.name, err, failure.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProviderQuote{}, fmt.Errorf("quote: %s 读取响应失败: %v: %w", p.name, err, failure.ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ProviderQuote{}, fmt.Errorf("quote: %s: %w", p.name, failure.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return ProviderQuote{}, fmt.Errorf("quote: %s: %w", p.name, failure.ErrNoRoute)
	case resp.StatusCode >= 500:
		return ProviderQuote{}, fmt.Errorf("quote: %s 返回 %d: %w", p.name, resp.StatusCode, failure.ErrProviderUnavailable)
	case resp.StatusCode != http.StatusOK:
		return ProviderQuote{}, fmt.Errorf("quote: %s 返回非预期状态 %d: %w", p.name, resp.StatusCode, failure.ErrProviderUnavailable)
	}

	var payload httpQuoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProviderQuote{}, fmt.Errorf("quote: %s 解析响应失败: %v: %w", p.name, err, failure.ErrProviderUnavailable)
	}
	return payload.toProviderQuote(p.name)
}

func (r httpQuoteResponse) toProviderQuote(name string) (ProviderQuote, error) {
	if r.Error != "" {
		return ProviderQuote{}, fmt.Errorf("quote: %s: %s: %w", name, r.Error, failure.ErrNoRoute)
	}
	amountOut, ok := new(big.Int).SetString(r.AmountOut, 10)
	if !ok || amountOut.Sign() <= 0 {
		return ProviderQuote{}, fmt.Errorf("quote: %s 返回无效 amountOut %q: %w", name, r.AmountOut, failure.ErrNoRoute)
	}

	var gas uint64
	if r.GasEstimate != "" {
		parsed, err := strconv.ParseUint(r.GasEstimate, 10, 64)
		if err != nil {
			return ProviderQuote{}, fmt.Errorf("quote: %s 返回无效 gasEstimate %q: %w", name, r.GasEstimate, failure.ErrProviderUnavailable)
		}
		gas = parsed
	}

	route := make([]common.Address, 0, len(r.Route))
	for _, hop := range r.Route {
		if !common.IsHexAddress(hop) {
			return ProviderQuote{}, fmt.Errorf("quote: %s 返回无效路由地址 %q: %w", name, hop, failure.ErrProviderUnavailable)
		}
		route = append(route, common.HexToAddress(hop))
	}

	return ProviderQuote{
		AmountOut:      amountOut,
		Route:          route,
		GasEstimate:    gas,
		PriceImpactBps: r.PriceImpactBps,
	}, nil
}
