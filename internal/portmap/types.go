package portmap

import (
	"context"
	"net"
	"time"
)

// Protocol 映射的传输协议
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolBoth Protocol = "BOTH"
)

// Method 实际取得映射所用的协议
type Method string

const (
	MethodPCP    Method = "pcp"
	MethodNATPMP Method = "natpmp"
	MethodUPnP   Method = "upnp"
)

// Mode 主动映射模式
type Mode int

const (
	// ModeAuto 先尝试 PCP，失败后回退到 NAT-PMP
	ModeAuto Mode = iota
	// ModePCPOnly 仅尝试 PCP，不回退
	ModePCPOnly
	// ModeNATOnly 仅尝试 NAT-PMP，不回退
	ModeNATOnly
	// ModeUPnPOnly 仅尝试 UPnP，不回退
	ModeUPnPOnly
)

// String 返回模式的策略标签
func (m Mode) String() string {
	switch m {
	case ModePCPOnly:
		return "pcp"
	case ModeNATOnly:
		return "natpmp"
	case ModeUPnPOnly:
		return "upnp"
	default:
		return "auto"
	}
}

// Mapping 一次协商成功后取得的端口映射。每次协商新建，不会被修改。
type Mapping struct {
	InternalPort uint16
	ExternalPort uint16
	// Lease 网关授予的租约时长；nil 表示网关没有租约概念
	Lease  *time.Duration
	Method Method
}

// Request 一次协商的请求参数，每个周期根据配置构造一次
type Request struct {
	InternalPort          uint16
	PreferredExternalPort *uint16
	// Protocol 线上调用所用协议；配置为 BOTH 时在构造阶段已折叠为 TCP
	Protocol     Protocol
	Gateway      net.IP
	LeaseSeconds uint32
}

// Negotiator 端口映射协商器。协商失败时以 errs 包的错误类别区分
// “协议不支持”（回退链尝试下一个）与一般性失败。
type Negotiator interface {
	// Name 返回协商器名称
	Name() string

	// Negotiate 执行一次映射协商
	Negotiate(ctx context.Context, req *Request) (*Mapping, error)
}
