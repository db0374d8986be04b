package portmap

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"qbit-port-sync/config"
)

// 动态端口范围（RFC 6335），internal_port 为 0 时从中随机挑选
const (
	ephemeralPortStart = 49152
	ephemeralPortEnd   = 65535
)

// BuildRequest 根据配置构造一次协商请求。每个周期调用一次：
// internal_port 为 0 时，每次随机挑选一个动态端口。
func BuildRequest(cfg *config.Config, logger *logrus.Logger) (*Request, error) {
	gatewayIP, err := ResolveGateway(cfg)
	if err != nil {
		return nil, err
	}

	internalPort := cfg.PortMap.InternalPort
	if internalPort == 0 {
		internalPort = randomEphemeralPort()
	}
	preferred := internalPort

	protocol := Protocol(cfg.PortMap.Protocol)
	if protocol == ProtocolBoth {
		logger.Warn("配置请求了 BOTH 协议，网关映射仅使用 TCP")
		protocol = ProtocolTCP
	}

	leaseSeconds := cfg.PortMap.RefreshSecs
	if leaseSeconds > math.MaxUint32 {
		leaseSeconds = math.MaxUint32
	}

	return &Request{
		InternalPort:          internalPort,
		PreferredExternalPort: &preferred,
		Protocol:              protocol,
		Gateway:               gatewayIP,
		LeaseSeconds:          uint32(leaseSeconds),
	}, nil
}

// randomEphemeralPort 随机挑选一个动态端口
func randomEphemeralPort() uint16 {
	return uint16(ephemeralPortStart + rand.Intn(ephemeralPortEnd-ephemeralPortStart+1))
}
