package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"storefront/internal/config"
	"storefront/internal/failure"
)

// HTTPListings 从挂单索引服务读取成交参数。
type HTTPListings struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPListings 创建挂单参数查询客户端。
func NewHTTPListings(cfg config.OrdersConfig) (*HTTPListings, error) {
	if cfg.ListingsURL == "" {
		return nil, errors.New("order: listings_url 不能为空")
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPListings{
		baseURL: strings.TrimRight(cfg.ListingsURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type listingRecipient struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type listingResponse struct {
	ConsiderationToken                string             `json:"considerationToken"`
	ConsiderationIdentifier           string             `json:"considerationIdentifier"`
	ConsiderationAmount               string             `json:"considerationAmount"`
	Offerer                           string             `json:"offerer"`
	Zone                              string             `json:"zone"`
	OfferToken                        string             `json:"offerToken"`
	OfferIdentifier                   string             `json:"offerIdentifier"`
	OfferAmount                       string             `json:"offerAmount"`
	BasicOrderType                    uint8              `json:"basicOrderType"`
	StartTime                         string             `json:"startTime"`
	EndTime                           string             `json:"endTime"`
	ZoneHash                          string             `json:"zoneHash"`
	Salt                              string             `json:"salt"`
	OffererConduitKey                 string             `json:"offererConduitKey"`
	TotalOriginalAdditionalRecipients string             `json:"totalOriginalAdditionalRecipients"`
	AdditionalRecipients              []listingRecipient `json:"additionalRecipients"`
	Signature                         string             `json:"signature"`
}

// Parameters 实现 ListingSource：GET {base}/orders/{chainId}/{exchange}/{orderHash}。
func (l *HTTPListings) Parameters(ctx context.Context, chainID uint64, exchange common.Address, orderHash common.Hash) (BasicOrderParameters, error) {
	url := fmt.Sprintf("%s/orders/%d/%s/%s", l.baseURL, chainID, exchange.Hex(), orderHash.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BasicOrderParameters{}, fmt.Errorf("order: 构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if l.apiKey != "" {
		req.Header.Set("X-API-KEY", l.apiKey)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return BasicOrderParameters{}, fmt.Errorf("order: 查询挂单参数失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return BasicOrderParameters{}, fmt.Errorf("order: 挂单 %s 不存在: %w", orderHash.Hex(), failure.ErrOrderNoLongerAvailable)
	case resp.StatusCode != http.StatusOK:
		return BasicOrderParameters{}, fmt.Errorf("order: 挂单服务返回 %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return BasicOrderParameters{}, fmt.Errorf("order: 读取响应失败: %w", err)
	}
	var payload listingResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return BasicOrderParameters{}, fmt.Errorf("order: 解析响应失败: %w", err)
	}
	return payload.toParameters()
}

func (r listingResponse) toParameters() (BasicOrderParameters, error) {
	p := parser{}
	params := BasicOrderParameters{
		ConsiderationToken:                p.address("considerationToken", r.ConsiderationToken),
		ConsiderationIdentifier:           p.number("considerationIdentifier", r.ConsiderationIdentifier),
		ConsiderationAmount:               p.number("considerationAmount", r.ConsiderationAmount),
		Offerer:                           p.address("offerer", r.Offerer),
		Zone:                              p.address("zone", r.Zone),
		OfferToken:                        p.address("offerToken", r.OfferToken),
		OfferIdentifier:                   p.number("offerIdentifier", r.OfferIdentifier),
		OfferAmount:                       p.number("offerAmount", r.OfferAmount),
		BasicOrderType:                    r.BasicOrderType,
		StartTime:                         p.number("startTime", r.StartTime),
		EndTime:                           p.number("endTime", r.EndTime),
		ZoneHash:                          p.bytes32("zoneHash", r.ZoneHash),
		Salt:                              p.number("salt", r.Salt),
		OffererConduitKey:                 p.bytes32("offererConduitKey", r.OffererConduitKey),
		TotalOriginalAdditionalRecipients: p.number("totalOriginalAdditionalRecipients", r.TotalOriginalAdditionalRecipients),
		Signature:                         p.bytes("signature", r.Signature),
	}
	for i, rec := range r.AdditionalRecipients {
		params.AdditionalRecipients = append(params.AdditionalRecipients, AdditionalRecipient{
			Amount:    p.number(fmt.Sprintf("additionalRecipients[%d].amount", i), rec.Amount),
			Recipient: p.address(fmt.Sprintf("additionalRecipients[%d].recipient", i), rec.Recipient),
		})
	}
	if p.err != nil {
		return BasicOrderParameters{}, p.err
	}
	return params, nil
}

// parser 记录首个解析错误，避免逐字段判断。
type parser struct {
	err error
}

func (p *parser) fail(field, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("order: 字段 %s 无效: %q", field, value)
	}
}

func (p *parser) address(field, value string) common.Address {
	if value == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(value) {
		p.fail(field, value)
		return common.Address{}
	}
	return common.HexToAddress(value)
}

func (p *parser) number(field, value string) *big.Int {
	if value == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(value, 0)
	if !ok || v.Sign() < 0 {
		p.fail(field, value)
		return new(big.Int)
	}
	return v
}

func (p *parser) bytes32(field, value string) [32]byte {
	var out [32]byte
	if value == "" {
		return out
	}
	raw, err := hexutil.Decode(value)
	if err != nil || len(raw) != 32 {
		p.fail(field, value)
		return out
	}
	copy(out[:], raw)
	return out
}

func (p *parser) bytes(field, value string) []byte {
	if value == "" {
		return nil
	}
	raw, err := hexutil.Decode(value)
	if err != nil {
		p.fail(field, value)
		return nil
	}
	return raw
}
