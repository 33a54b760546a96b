package referral

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var erc721ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(`[
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "ownerOf",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`))
	if err != nil {
		panic("failed to parse ERC721 ABI: " + err.Error())
	}
	erc721ABI = parsed
}

// OwnerChecker 查询推荐 NFT 当前持有人。
type OwnerChecker interface {
	OwnerOf(ctx context.Context, chainID uint64, nft common.Address, tokenID *big.Int) (common.Address, error)
}

// Caller 执行只读合约调用。
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ERC721Owners 通过标准 ownerOf 查询持有人。
type ERC721Owners struct {
	callers map[uint64]Caller
}

// NewERC721Owners 创建持有人查询器。
func NewERC721Owners(callers map[uint64]Caller) *ERC721Owners {
	return &ERC721Owners{callers: callers}
}

// OwnerOf 实现 OwnerChecker。
func (o *ERC721Owners) OwnerOf(ctx context.Context, chainID uint64, nft common.Address, tokenID *big.Int) (common.Address, error) {
	caller, ok := o.callers[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("referral: 未配置链 %d", chainID)
	}
	data, err := erc721ABI.Pack("ownerOf", tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("referral: 编码 ownerOf 失败: %w", err)
	}
	out, err := caller.Call(ctx, nft, data)
	if err != nil {
		return common.Address{}, err
	}
	values, err := erc721ABI.Unpack("ownerOf", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, fmt.Errorf("referral: 解析 ownerOf 返回失败: %v", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("referral: ownerOf 返回类型异常 %T", values[0])
	}
	return owner, nil
}
