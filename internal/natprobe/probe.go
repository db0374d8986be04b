package natprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

const probeTimeout = 3 * time.Second

// defaultSTUNServers 未配置时使用的公共 STUN 服务器
var defaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
	"stun.miwifi.com:3478",
}

// Result 一次网关能力探测的结果
type Result struct {
	Gateway      net.IP
	NATPMP       bool
	PCP          bool
	ExternalIP   net.IP
	ExternalPort int
	STUNServer   string
}

// Prober 网关映射能力与外网地址探测器，供诊断命令使用
type Prober struct {
	logger      *logrus.Logger
	stunServers []string
}

// New 创建探测器；stunServers 为空时使用内置的公共服务器列表
func New(logger *logrus.Logger, stunServers []string) *Prober {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}
	return &Prober{
		logger:      logger,
		stunServers: stunServers,
	}
}

// Run 依次探测 NAT-PMP、PCP 可达性与 STUN 反射地址
func (p *Prober) Run(ctx context.Context, gatewayIP net.IP) *Result {
	result := &Result{Gateway: gatewayIP}

	result.NATPMP = p.probeNATPMP(gatewayIP)
	result.PCP = p.probePCP(ctx, gatewayIP)

	if ip, port, server, err := p.queryExternalAddress(); err == nil {
		result.ExternalIP = ip
		result.ExternalPort = port
		result.STUNServer = server
	} else {
		p.logger.WithError(err).Warn("STUN 外网地址查询失败")
	}

	return result
}

// probeNATPMP 通过查询外网地址测试网关的 NAT-PMP 可达性
func (p *Prober) probeNATPMP(gatewayIP net.IP) bool {
	client := natpmp.NewClientWithTimeout(gatewayIP, probeTimeout)
	_, err := client.GetExternalAddress()
	if err != nil {
		p.logger.WithError(err).Debug("NAT-PMP 探测失败")
		return false
	}
	return true
}

// probePCP 发送零租约的 PCP MAP 请求探测网关的 PCP 支持。
// 能得到任意格式正确的 v2 响应即认为 PCP 服务存在。
func (p *Prober) probePCP(ctx context.Context, gatewayIP net.IP) bool {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: gatewayIP, Port: 5351})
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(probeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return false
	}

	request := make([]byte, 60)
	request[0] = 2 // PCP v2
	request[1] = 1 // MAP
	if ipv4 := localAddr.IP.To4(); ipv4 != nil {
		copy(request[8:20], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff})
		copy(request[20:24], ipv4)
	} else {
		copy(request[8:24], localAddr.IP.To16())
	}
	for i := 24; i < 36; i++ {
		request[i] = byte(i)
	}
	request[36] = 17 // UDP

	if _, err := conn.Write(request); err != nil {
		return false
	}

	buf := make([]byte, 60)
	n, err := conn.Read(buf)
	if err != nil || n < 24 {
		return false
	}
	if buf[0] != 2 || buf[1]&0x80 == 0 {
		return false
	}
	// 0 成功、1 版本不支持、2 未授权：只要有响应就说明 PCP 服务存在
	return buf[3] <= 2
}

// queryExternalAddress 依次查询 STUN 服务器获取反射地址
func (p *Prober) queryExternalAddress() (net.IP, int, string, error) {
	var lastErr error

	for _, server := range p.stunServers {
		ip, port, err := querySTUNServer(server)
		if err != nil {
			lastErr = err
			p.logger.WithFields(logrus.Fields{
				"server": server,
				"error":  err,
			}).Debug("STUN 服务器查询失败")
			continue
		}
		return ip, port, server, nil
	}

	return nil, 0, "", fmt.Errorf("所有 STUN 服务器查询失败: %w", lastErr)
}

// querySTUNServer 向单个 STUN 服务器发送绑定请求并解析映射地址
func querySTUNServer(server string) (net.IP, int, error) {
	conn, err := net.Dial("udp", server)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return nil, 0, err
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return nil, 0, err
	}

	buffer := make([]byte, 1024)
	readBytes, err := conn.Read(buffer)
	if err != nil {
		return nil, 0, err
	}

	var response stun.Message
	if err := stun.Decode(buffer[:readBytes], &response); err != nil {
		return nil, 0, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&response); err != nil {
		return nil, 0, err
	}
	return xorAddr.IP, xorAddr.Port, nil
}
