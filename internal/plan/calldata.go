package plan

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	erc20ABI  abi.ABI
	routerABI abi.ABI
)

func init() {
	erc20, err := abi.JSON(strings.NewReader(`[
  {"inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "approve", "outputs": [{"name": "", "type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "to", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "transfer", "outputs": [{"name": "", "type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`))
	if err != nil {
		panic("failed to parse ERC20 ABI: " + err.Error())
	}
	erc20ABI = erc20

	router, err := abi.JSON(strings.NewReader(`[
  {"inputs": [{"name": "amountOutMin", "type": "uint256"}, {"name": "path", "type": "address[]"}, {"name": "to", "type": "address"}, {"name": "deadline", "type": "uint256"}], "name": "swapExactETHForTokens", "outputs": [{"name": "amounts", "type": "uint256[]"}], "stateMutability": "payable", "type": "function"},
  {"inputs": [{"name": "amountIn", "type": "uint256"}, {"name": "amountOutMin", "type": "uint256"}, {"name": "path", "type": "address[]"}, {"name": "to", "type": "address"}, {"name": "deadline", "type": "uint256"}], "name": "swapExactTokensForTokens", "outputs": [{"name": "amounts", "type": "uint256[]"}], "stateMutability": "nonpayable", "type": "function"}
]`))
	if err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}
	routerABI = router
}

func encodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

func encodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeAllowance 编码 ERC20 allowance(owner, spender) 查询。
func EncodeAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// DecodeAllowance 解析 allowance 返回值。
func DecodeAllowance(data []byte) (*big.Int, error) {
	values, err := erc20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, err
	}
	amount, _ := values[0].(*big.Int)
	if amount == nil {
		amount = new(big.Int)
	}
	return amount, nil
}

func encodeSwapExactETH(minOut *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactETHForTokens", minOut, path, to, deadline)
}

func encodeSwapExactTokens(amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, to, deadline)
}
