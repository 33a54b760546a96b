package order

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	methodFulfillBasicOrder          = "fulfillBasicOrder"
	methodFulfillBasicOrderEfficient = "fulfillBasicOrder_efficient_6GL6yc"
	methodGetOrderStatus             = "getOrderStatus"
)

const basicOrderComponents = `[
  {"internalType": "address", "name": "considerationToken", "type": "address"},
  {"internalType": "uint256", "name": "considerationIdentifier", "type": "uint256"},
  {"internalType": "uint256", "name": "considerationAmount", "type": "uint256"},
  {"internalType": "address payable", "name": "offerer", "type": "address"},
  {"internalType": "address", "name": "zone", "type": "address"},
  {"internalType": "address", "name": "offerToken", "type": "address"},
  {"internalType": "uint256", "name": "offerIdentifier", "type": "uint256"},
  {"internalType": "uint256", "name": "offerAmount", "type": "uint256"},
  {"internalType": "enum BasicOrderType", "name": "basicOrderType", "type": "uint8"},
  {"internalType": "uint256", "name": "startTime", "type": "uint256"},
  {"internalType": "uint256", "name": "endTime", "type": "uint256"},
  {"internalType": "bytes32", "name": "zoneHash", "type": "bytes32"},
  {"internalType": "uint256", "name": "salt", "type": "uint256"},
  {"internalType": "bytes32", "name": "offererConduitKey", "type": "bytes32"},
  {"internalType": "bytes32", "name": "fulfillerConduitKey", "type": "bytes32"},
  {"internalType": "uint256", "name": "totalOriginalAdditionalRecipients", "type": "uint256"},
  {
    "components": [
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "address payable", "name": "recipient", "type": "address"}
    ],
    "internalType": "struct AdditionalRecipient[]",
    "name": "additionalRecipients",
    "type": "tuple[]"
  },
  {"internalType": "bytes", "name": "signature", "type": "bytes"}
]`

var seaportABI abi.ABI

func init() {
	fulfill := func(name string) string {
		return `{
    "inputs": [{"components": ` + basicOrderComponents + `, "internalType": "struct BasicOrderParameters", "name": "parameters", "type": "tuple"}],
    "name": "` + name + `",
    "outputs": [{"internalType": "bool", "name": "fulfilled", "type": "bool"}],
    "stateMutability": "payable",
    "type": "function"
  }`
	}

	parsed, err := abi.JSON(strings.NewReader(`[
  ` + fulfill(methodFulfillBasicOrder) + `,
  ` + fulfill(methodFulfillBasicOrderEfficient) + `,
  {
    "inputs": [{"internalType": "bytes32", "name": "orderHash", "type": "bytes32"}],
    "name": "getOrderStatus",
    "outputs": [
      {"internalType": "bool", "name": "isValidated", "type": "bool"},
      {"internalType": "bool", "name": "isCancelled", "type": "bool"},
      {"internalType": "uint256", "name": "totalFilled", "type": "uint256"},
      {"internalType": "uint256", "name": "totalSize", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`))
	if err != nil {
		panic("failed to parse Seaport ABI: " + err.Error())
	}
	seaportABI = parsed
}

// AdditionalRecipient 对应 Seaport 的额外收款方。
type AdditionalRecipient struct {
	Amount    *big.Int
	Recipient common.Address
}

// BasicOrderParameters 对应 Seaport fulfillBasicOrder 的参数结构，字段顺序与 ABI 一致。
type BasicOrderParameters struct {
	ConsiderationToken                common.Address
	ConsiderationIdentifier           *big.Int
	ConsiderationAmount               *big.Int
	Offerer                           common.Address
	Zone                              common.Address
	OfferToken                        common.Address
	OfferIdentifier                   *big.Int
	OfferAmount                       *big.Int
	BasicOrderType                    uint8
	StartTime                         *big.Int
	EndTime                           *big.Int
	ZoneHash                          [32]byte
	Salt                              *big.Int
	OffererConduitKey                 [32]byte
	FulfillerConduitKey               [32]byte
	TotalOriginalAdditionalRecipients *big.Int
	AdditionalRecipients              []AdditionalRecipient
	Signature                         []byte
}

// TotalPayment 返回买方需支付的总额：主对价加全部额外收款。
func (p BasicOrderParameters) TotalPayment() *big.Int {
	total := new(big.Int)
	if p.ConsiderationAmount != nil {
		total.Add(total, p.ConsiderationAmount)
	}
	for _, r := range p.AdditionalRecipients {
		if r.Amount != nil {
			total.Add(total, r.Amount)
		}
	}
	return total
}

// PackGetOrderStatus 编码 getOrderStatus(bytes32) 调用。
func PackGetOrderStatus(orderHash common.Hash) ([]byte, error) {
	return seaportABI.Pack(methodGetOrderStatus, [32]byte(orderHash))
}

type orderStatusResult struct {
	IsValidated bool
	IsCancelled bool
	TotalFilled *big.Int
	TotalSize   *big.Int
}

// UnpackOrderStatus 解析 getOrderStatus 返回值。
func UnpackOrderStatus(data []byte) (Status, error) {
	var out orderStatusResult
	if err := seaportABI.UnpackIntoInterface(&out, methodGetOrderStatus, data); err != nil {
		return "", fmt.Errorf("order: 解析 getOrderStatus 失败: %w", err)
	}
	switch {
	case out.IsCancelled:
		return StatusCancelled, nil
	case out.TotalSize != nil && out.TotalSize.Sign() > 0 && out.TotalFilled != nil && out.TotalFilled.Cmp(out.TotalSize) >= 0:
		return StatusFilled, nil
	default:
		return StatusActive, nil
	}
}
