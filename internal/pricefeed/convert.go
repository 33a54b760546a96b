package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"storefront/internal/config"
)

const nativeDecimals = 18

// PriceSource 提供资产美元价格。
type PriceSource interface {
	USD(ctx context.Context, asset string) (decimal.Decimal, error)
}

type tokenInfo struct {
	decimals int32
	stable   bool
}

type chainInfo struct {
	nativeSymbol string
	tokens       map[common.Address]tokenInfo
}

// Converter 将美元金额换算为资产最小单位。
type Converter struct {
	prices PriceSource
	chains map[uint64]chainInfo
}

// NewConverter 根据链配置构造换算器。
func NewConverter(prices PriceSource, chains []config.ChainConfig) *Converter {
	infos := make(map[uint64]chainInfo, len(chains))
	for _, chain := range chains {
		tokens := make(map[common.Address]tokenInfo, len(chain.Tokens))
		for _, t := range chain.Tokens {
			tokens[common.HexToAddress(t.Address)] = tokenInfo{decimals: int32(t.Decimals), stable: t.Stable}
		}
		infos[chain.ChainID] = chainInfo{nativeSymbol: chain.NativeSymbol, tokens: tokens}
	}
	return &Converter{prices: prices, chains: infos}
}

// ToBaseUnits 将美元金额换算为 asset 的最小单位，向下取整。
// 零地址表示链原生资产。
func (c *Converter) ToBaseUnits(ctx context.Context, chainID uint64, asset common.Address, usd decimal.Decimal) (*big.Int, error) {
	chain, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("pricefeed: 未配置链 %d", chainID)
	}
	if !usd.IsPositive() {
		return nil, fmt.Errorf("pricefeed: 金额必须为正: %s", usd)
	}

	if asset == (common.Address{}) {
		price, err := c.prices.USD(ctx, chain.nativeSymbol)
		if err != nil {
			return nil, err
		}
		units := usd.Shift(nativeDecimals).Div(price).Floor()
		return units.BigInt(), nil
	}

	token, ok := chain.tokens[asset]
	if !ok || !token.stable {
		return nil, fmt.Errorf("pricefeed: %s: %w", asset.Hex(), ErrUnpricedAsset)
	}
	return usd.Shift(token.decimals).Floor().BigInt(), nil
}

// NativeToToken 返回每 wei 原生资产可折算的 token 最小单位数量，仅支持稳定币。
// 用于将 gas 成本折算到报价输出资产。
func (c *Converter) NativeToToken(ctx context.Context, chainID uint64, token common.Address) (*big.Rat, error) {
	chain, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("pricefeed: 未配置链 %d", chainID)
	}
	info, ok := chain.tokens[token]
	if !ok || !info.stable {
		return nil, fmt.Errorf("pricefeed: %s: %w", token.Hex(), ErrUnpricedAsset)
	}
	price, err := c.prices.USD(ctx, chain.nativeSymbol)
	if err != nil {
		return nil, err
	}
	rate, ok := new(big.Rat).SetString(price.Shift(info.decimals - nativeDecimals).String())
	if !ok {
		return nil, fmt.Errorf("pricefeed: 价格无法转换: %s", price)
	}
	return rate, nil
}

// NativeSymbol 返回链原生资产符号。
func (c *Converter) NativeSymbol(chainID uint64) string {
	return strings.ToUpper(c.chains[chainID].nativeSymbol)
}
