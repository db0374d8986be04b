package portmap

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
)

// PCP (RFC 6887) MAP 操作的常量。没有现成的 Go 客户端库，
// 这里自带一个最小的报文编解码实现。
const (
	pcpGatewayPort = 5351
	pcpVersion     = 2
	pcpOpMap       = 1

	pcpResultSuccess     = 0
	pcpResultUnsuppVer   = 1
	pcpResultNotAuth     = 2
	pcpRequestLen        = 60
	pcpMapResponseMinLen = 60
	pcpResponseHeaderLen = 24
	pcpProtocolNumberTCP = 6
	pcpProtocolNumberUDP = 17

	pcpTimeout = 3 * time.Second
)

// PCPNegotiator 基于 PCP (RFC 6887) 的协商器
type PCPNegotiator struct {
	logger  *logrus.Logger
	timeout time.Duration
	// gatewayPort 便于测试替换
	gatewayPort int
}

// NewPCP 创建 PCP 协商器
func NewPCP(logger *logrus.Logger) *PCPNegotiator {
	return &PCPNegotiator{
		logger:      logger,
		timeout:     pcpTimeout,
		gatewayPort: pcpGatewayPort,
	}
}

// Name 返回协商器名称
func (p *PCPNegotiator) Name() string {
	return "pcp"
}

// Negotiate 执行一次 PCP MAP 请求。请求中必须携带本机访问网关所用的地址，
// 该地址通过向网关的 PCP 端口打开临时 UDP 套接字并读取本地绑定地址获得。
// 网关返回 UNSUPP_VERSION 时以协议不支持错误区分，供回退链决策。
func (p *PCPNegotiator) Negotiate(ctx context.Context, req *Request) (*Mapping, error) {
	gatewayAddr := &net.UDPAddr{IP: req.Gateway, Port: p.gatewayPort}
	conn, err := net.DialUDP("udp", nil, gatewayAddr)
	if err != nil {
		return nil, errs.Negotiationf("连接 PCP 网关 %s 失败: %v", gatewayAddr, err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errs.Negotiationf("无法确定 PCP 本地客户端地址")
	}

	request, nonce, err := buildMapRequest(localAddr.IP, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errs.Negotiationf("设置 PCP 套接字超时失败: %v", err)
	}

	if _, err := conn.Write(request); err != nil {
		return nil, errs.Negotiationf("发送 PCP MAP 请求失败: %v", err)
	}

	buf := make([]byte, 1100)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, errs.Negotiationf("读取 PCP 响应失败: %v", err)
	}

	mapping, err := parseMapResponse(buf[:n], nonce)
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"gateway":       req.Gateway.String(),
		"internal_port": mapping.InternalPort,
		"external_port": mapping.ExternalPort,
	}).Debug("PCP MAP 请求成功")
	return mapping, nil
}

// buildMapRequest 构造 PCP MAP 请求报文
//
// 布局（60 字节）：
// [版本(1)][操作码(1)][保留(2)][租约(4)][客户端地址(16)]
// [随机数(12)][协议(1)][保留(3)][内部端口(2)][建议外部端口(2)][建议外部地址(16)]
func buildMapRequest(clientIP net.IP, req *Request) ([]byte, [12]byte, error) {
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, errs.Negotiationf("生成 PCP 随机数失败: %v", err)
	}

	request := make([]byte, pcpRequestLen)
	request[0] = pcpVersion
	request[1] = pcpOpMap
	binary.BigEndian.PutUint32(request[4:8], req.LeaseSeconds)

	// 客户端地址统一写为 16 字节，IPv4 使用映射形式 ::ffff:x.x.x.x
	if ipv4 := clientIP.To4(); ipv4 != nil {
		copy(request[8:20], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff})
		copy(request[20:24], ipv4)
	} else {
		copy(request[8:24], clientIP.To16())
	}

	copy(request[24:36], nonce[:])

	if req.Protocol == ProtocolUDP {
		request[36] = pcpProtocolNumberUDP
	} else {
		request[36] = pcpProtocolNumberTCP
	}

	binary.BigEndian.PutUint16(request[40:42], req.InternalPort)
	if req.PreferredExternalPort != nil {
		binary.BigEndian.PutUint16(request[42:44], *req.PreferredExternalPort)
	}
	// request[44:60] 建议外部地址保持全零，由网关选择

	return request, nonce, nil
}

// parseMapResponse 解析 PCP MAP 响应
//
// 响应头（24 字节）：[版本(1)][R|操作码(1)][保留(1)][结果码(1)][租约(4)][时戳(4)][保留(12)]
// MAP 部分：[随机数(12)][协议(1)][保留(3)][内部端口(2)][分配的外部端口(2)][分配的外部地址(16)]
func parseMapResponse(data []byte, nonce [12]byte) (*Mapping, error) {
	if len(data) < 4 {
		return nil, errs.Negotiationf("PCP 响应过短（%d 字节）", len(data))
	}
	if data[0] != pcpVersion {
		return nil, errs.ProtocolUnsupportedf("网关不支持 PCP v2（响应版本 %d）", data[0])
	}
	if data[1]&0x80 == 0 || data[1]&0x7f != pcpOpMap {
		return nil, errs.Negotiationf("非预期的 PCP 响应操作码 %d", data[1])
	}

	switch result := data[3]; result {
	case pcpResultSuccess:
	case pcpResultUnsuppVer:
		return nil, errs.ProtocolUnsupportedf("网关不支持请求的 PCP 版本")
	case pcpResultNotAuth:
		return nil, errs.Negotiationf("网关拒绝了 PCP MAP 请求（未授权）")
	default:
		return nil, errs.Negotiationf("PCP 网关返回错误码 %d", result)
	}

	if len(data) < pcpMapResponseMinLen {
		return nil, errs.Negotiationf("PCP MAP 响应过短（%d 字节）", len(data))
	}
	if !bytes.Equal(data[24:36], nonce[:]) {
		return nil, errs.Negotiationf("PCP 响应随机数不匹配")
	}

	mapping := &Mapping{
		InternalPort: binary.BigEndian.Uint16(data[40:42]),
		ExternalPort: binary.BigEndian.Uint16(data[42:44]),
		Method:       MethodPCP,
	}
	if lifetime := binary.BigEndian.Uint32(data[4:8]); lifetime > 0 {
		lease := time.Duration(lifetime) * time.Second
		mapping.Lease = &lease
	}
	return mapping, nil
}
