// Package referral 解析买家的推荐归属并计算推荐费。
package referral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/internal/cache"
	"storefront/internal/config"
	"storefront/internal/failure"
)

const (
	codePrefix     = "ref-"
	bpsDenominator = 10000
)

// Attribution 为一次有效的推荐归属。
type Attribution struct {
	Code       string         `json:"code"`
	TokenID    *big.Int       `json:"token_id"`
	Recipient  common.Address `json:"recipient"`
	FeeBps     uint32         `json:"fee_bps"`
	VerifiedAt time.Time      `json:"verified_at"`
}

// Fee 按 amount * feeBps / 10000 计算推荐费，向下取整。
func (a Attribution) Fee(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || a.FeeBps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(a.FeeBps)))
	return fee.Quo(fee, big.NewInt(bpsDenominator))
}

// FeeUSD 返回以美元计的推荐费，保留 6 位小数并向下取整。
func (a Attribution) FeeUSD(spend decimal.Decimal) decimal.Decimal {
	if !spend.IsPositive() || a.FeeBps == 0 {
		return decimal.Zero
	}
	return spend.Mul(decimal.NewFromInt(int64(a.FeeBps))).Div(decimal.NewFromInt(bpsDenominator)).Truncate(6)
}

// ParseCode 解析推荐码：十进制 token id，可带 ref- 前缀。
func ParseCode(code string) (*big.Int, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) >= len(codePrefix) && strings.EqualFold(trimmed[:len(codePrefix)], codePrefix) {
		trimmed = trimmed[len(codePrefix):]
	}
	if trimmed == "" {
		return nil, fmt.Errorf("referral: 推荐码为空: %w", failure.ErrInvalidReferral)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("referral: 推荐码 %q 格式错误: %w", code, failure.ErrInvalidReferral)
		}
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("referral: 推荐码 %q 格式错误: %w", code, failure.ErrInvalidReferral)
	}
	return id, nil
}

type session struct {
	code      string
	tokenID   *big.Int
	recipient common.Address
}

// Ledger 维护买家会话级的推荐归属，每个买家最多一个有效归属。
type Ledger struct {
	owners  OwnerChecker
	chainID uint64
	nft     common.Address
	feeBps  uint32
	cache   *cache.TTL
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[common.Address]session
}

// NewLedger 创建推荐账本。推荐 NFT 取第一条配置了 referral_nft 的链；ownership 为持有人缓存，可为空。
func NewLedger(cfg config.ReferralConfig, chains []config.ChainConfig, owners OwnerChecker, ownership *cache.TTL, logger *zap.Logger) (*Ledger, error) {
	if cfg.FeeBps > cfg.MaxFeeBps || cfg.MaxFeeBps > bpsDenominator {
		return nil, fmt.Errorf("referral: fee_bps %d 超出上限 %d", cfg.FeeBps, cfg.MaxFeeBps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		owners:   owners,
		feeBps:   cfg.FeeBps,
		cache:    ownership,
		logger:   logger.Named("referral"),
		now:      time.Now,
		sessions: make(map[common.Address]session),
	}
	for _, chain := range chains {
		if chain.ReferralNFT == "" || common.HexToAddress(chain.ReferralNFT) == (common.Address{}) {
			continue
		}
		l.chainID = chain.ChainID
		l.nft = common.HexToAddress(chain.ReferralNFT)
		break
	}
	return l, nil
}

// Resolve 返回买家的推荐归属。
// code 为空时沿用会话内已有归属；会话已有归属时新的推荐码被忽略。
// 每次调用都会重新确认 NFT 持有人，持有人变化或自我推荐返回 ErrInvalidReferral。
func (l *Ledger) Resolve(ctx context.Context, buyer common.Address, code string) (Attribution, error) {
	if l.nft == (common.Address{}) {
		return Attribution{}, fmt.Errorf("referral: 未配置推荐 NFT: %w", failure.ErrNoAttribution)
	}

	l.mu.Lock()
	current, hasSession := l.sessions[buyer]
	l.mu.Unlock()

	var (
		tokenID *big.Int
		claimed common.Address
	)
	switch {
	case hasSession:
		if code != "" && !strings.EqualFold(strings.TrimSpace(code), current.code) {
			l.logger.Info("买家已有推荐归属，忽略新推荐码",
				zap.String("buyer", buyer.Hex()),
				zap.String("current", current.code),
				zap.String("ignored", code),
			)
		}
		code = current.code
		tokenID = current.tokenID
		claimed = current.recipient
	case code == "":
		return Attribution{}, failure.ErrNoAttribution
	default:
		id, err := ParseCode(code)
		if err != nil {
			return Attribution{}, err
		}
		tokenID = id
		code = strings.TrimSpace(code)
	}

	owner, err := l.ownerOf(ctx, tokenID)
	if err != nil {
		return Attribution{}, err
	}
	if owner == (common.Address{}) {
		l.drop(buyer)
		return Attribution{}, fmt.Errorf("referral: token %s 无持有人: %w", tokenID, failure.ErrInvalidReferral)
	}
	if hasSession && owner != claimed {
		l.drop(buyer)
		return Attribution{}, fmt.Errorf("referral: token %s 已转移给 %s: %w", tokenID, owner.Hex(), failure.ErrInvalidReferral)
	}
	if owner == buyer {
		return Attribution{}, fmt.Errorf("referral: 不允许自我推荐: %w", failure.ErrInvalidReferral)
	}

	if !hasSession {
		l.mu.Lock()
		// 并发请求下以先写入者为准
		if existing, ok := l.sessions[buyer]; ok {
			l.mu.Unlock()
			if existing.recipient != owner || existing.tokenID.Cmp(tokenID) != 0 {
				return l.Resolve(ctx, buyer, "")
			}
		} else {
			l.sessions[buyer] = session{code: code, tokenID: tokenID, recipient: owner}
			l.mu.Unlock()
		}
	}

	return Attribution{
		Code:       code,
		TokenID:    new(big.Int).Set(tokenID),
		Recipient:  owner,
		FeeBps:     l.feeBps,
		VerifiedAt: l.now(),
	}, nil
}

// Clear 显式清除买家的推荐归属。
func (l *Ledger) Clear(buyer common.Address) {
	l.drop(buyer)
}

// Current 返回买家会话中的推荐码。
func (l *Ledger) Current(buyer common.Address) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[buyer]
	return s.code, ok
}

func (l *Ledger) drop(buyer common.Address) {
	l.mu.Lock()
	delete(l.sessions, buyer)
	l.mu.Unlock()
}

func (l *Ledger) ownerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	key := "referral:owner:" + tokenID.String()
	if l.cache != nil {
		if raw, ok := l.cache.Get(key); ok && len(raw) == common.AddressLength {
			return common.BytesToAddress(raw), nil
		}
	}

	owner, err := l.owners.OwnerOf(ctx, l.chainID, l.nft, tokenID)
	if err != nil {
		if errors.Is(err, failure.ErrStepReverted) {
			// 不存在的 token 调用 ownerOf 会回滚
			return common.Address{}, nil
		}
		return common.Address{}, fmt.Errorf("referral: 查询 token %s 持有人失败: %w", tokenID, err)
	}
	if l.cache != nil && owner != (common.Address{}) {
		if err := l.cache.Set(key, owner.Bytes()); err != nil {
			l.logger.Debug("写入持有人缓存失败", zap.Error(err))
		}
	}
	return owner, nil
}
