package portmap

import (
	"net"

	"github.com/jackpal/gateway"

	"qbit-port-sync/config"
	"qbit-port-sync/internal/errs"
)

// ResolveGateway 确定网关地址：优先使用配置值，否则从主机路由表自动发现。
// 两者都不可用时返回配置错误，不发起任何映射尝试。
func ResolveGateway(cfg *config.Config) (net.IP, error) {
	if cfg.PortMap.Gateway != "" {
		ip := net.ParseIP(cfg.PortMap.Gateway)
		if ip == nil {
			return nil, errs.Configf("无效的网关地址 %q", cfg.PortMap.Gateway)
		}
		return ip, nil
	}

	if !cfg.PortMap.AutodiscoverGateway {
		return nil, errs.Configf("已禁用网关自动发现且未配置网关地址")
	}

	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, errs.Negotiationf("自动发现默认网关失败: %v", err)
	}
	return ip, nil
}

// localAddrToward 返回本机访问网关所用的出口地址：
// 向网关的已知端口打开一个临时 UDP 套接字并读取其本地绑定地址，无需发送任何报文。
func localAddrToward(gatewayIP net.IP, port int) (net.IP, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: gatewayIP, Port: port})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errs.Negotiationf("无法确定访问网关 %s 的本地地址", gatewayIP)
	}
	return localAddr.IP, nil
}
