// Package order 将 NFT 挂单映射到对应的 Seaport 协议版本并校验挂单存活。
package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"storefront/internal/failure"
)

// Protocol 为市场协议版本，取值集合封闭。
type Protocol int

const (
	// ProtocolUnsupported 表示地址不在适配表内，不得回退到任何默认适配器。
	ProtocolUnsupported Protocol = iota
	ProtocolSeaport11
	ProtocolSeaport14
	ProtocolSeaport15
	ProtocolSeaport16
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSeaport11:
		return "seaport-1.1"
	case ProtocolSeaport14:
		return "seaport-1.4"
	case ProtocolSeaport15:
		return "seaport-1.5"
	case ProtocolSeaport16:
		return "seaport-1.6"
	default:
		return "unsupported"
	}
}

// 各版本 Seaport 在所有 EVM 链上的规范部署地址，地址到版本为单射。
var exchanges = map[common.Address]Protocol{
	common.HexToAddress("0x00000000006c3852cbEf3e08E8df289169ede581"): ProtocolSeaport11,
	common.HexToAddress("0x00000000000001ad428e4906aE43D8F9852d0dD6"): ProtocolSeaport14,
	common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC"): ProtocolSeaport15,
	common.HexToAddress("0x0000000000000068F116a894984e2DB1123eB395"): ProtocolSeaport16,
}

// ProtocolFor 返回交易所地址对应的协议版本。
func ProtocolFor(exchange common.Address) Protocol {
	if p, ok := exchanges[exchange]; ok {
		return p
	}
	return ProtocolUnsupported
}

// Adapter 为某个协议版本构造成交调用数据。
type Adapter interface {
	Protocol() Protocol
	EncodeFulfillment(params BasicOrderParameters) ([]byte, error)
}

// AdapterFor 按交易所地址选择适配器，未登记的地址返回 ErrUnsupportedProtocol。
func AdapterFor(exchange common.Address) (Adapter, error) {
	switch p := ProtocolFor(exchange); p {
	case ProtocolSeaport11:
		return seaportAdapter{protocol: p, method: methodFulfillBasicOrder}, nil
	case ProtocolSeaport14, ProtocolSeaport15, ProtocolSeaport16:
		return seaportAdapter{protocol: p, method: methodFulfillBasicOrderEfficient}, nil
	default:
		return nil, fmt.Errorf("order: 交易所 %s: %w", exchange.Hex(), failure.ErrUnsupportedProtocol)
	}
}

type seaportAdapter struct {
	protocol Protocol
	method   string
}

func (a seaportAdapter) Protocol() Protocol {
	return a.protocol
}

func (a seaportAdapter) EncodeFulfillment(params BasicOrderParameters) ([]byte, error) {
	data, err := seaportABI.Pack(a.method, params)
	if err != nil {
		return nil, fmt.Errorf("order: 编码 %s 失败: %w", a.method, err)
	}
	return data, nil
}
