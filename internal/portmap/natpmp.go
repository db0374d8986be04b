package portmap

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
)

const (
	natpmpTimeout    = 10 * time.Second
	natpmpRetryDelay = 250 * time.Millisecond
	natpmpMaxRetries = 3
)

// NATPMPNegotiator 基于 NAT-PMP (RFC 6886) 的协商器，
// 通过 jackpal/go-nat-pmp 客户端与网关通信
type NATPMPNegotiator struct {
	logger     *logrus.Logger
	timeout    time.Duration
	retryDelay time.Duration
	maxRetries int

	// newClient 便于测试替换
	newClient func(gatewayIP net.IP) natpmpClient
}

// natpmpClient jackpal 客户端的窄接口
type natpmpClient interface {
	AddPortMapping(protocol string, internalPort, requestedExternalPort, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NewNATPMP 创建 NAT-PMP 协商器
func NewNATPMP(logger *logrus.Logger) *NATPMPNegotiator {
	return &NATPMPNegotiator{
		logger:     logger,
		timeout:    natpmpTimeout,
		retryDelay: natpmpRetryDelay,
		maxRetries: natpmpMaxRetries,
		newClient: func(gatewayIP net.IP) natpmpClient {
			return natpmp.NewClientWithTimeout(gatewayIP, natpmpTimeout)
		},
	}
}

// Name 返回协商器名称
func (n *NATPMPNegotiator) Name() string {
	return "natpmp"
}

// Negotiate 执行一次 NAT-PMP 映射请求。网关暂时繁忙时以固定的短间隔重试，
// 直到取得确定性响应或发生传输错误。
func (n *NATPMPNegotiator) Negotiate(ctx context.Context, req *Request) (*Mapping, error) {
	client := n.newClient(req.Gateway)

	protocol := strings.ToLower(string(req.Protocol))
	externalPort := 0
	if req.PreferredExternalPort != nil {
		externalPort = int(*req.PreferredExternalPort)
	}

	var result *natpmp.AddPortMappingResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = client.AddPortMapping(protocol, int(req.InternalPort), externalPort, int(req.LeaseSeconds))
		if err == nil {
			break
		}
		if attempt >= n.maxRetries || !isGatewayBusy(err) {
			return nil, errs.Negotiationf("NAT-PMP 映射失败: %v", err)
		}
		n.logger.WithFields(logrus.Fields{
			"gateway": req.Gateway.String(),
			"attempt": attempt + 1,
		}).Debug("网关暂时不可用，稍后重试 NAT-PMP 请求")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(n.retryDelay):
		}
	}

	mapping := &Mapping{
		InternalPort: result.InternalPort,
		ExternalPort: result.MappedExternalPort,
		Method:       MethodNATPMP,
	}
	// 租约为 0 表示网关没有租约概念
	if result.PortMappingLifetimeInSeconds > 0 {
		lease := time.Duration(result.PortMappingLifetimeInSeconds) * time.Second
		mapping.Lease = &lease
	}
	return mapping, nil
}

// isGatewayBusy 判断错误是否为网关暂时未响应（可重试），
// 确定性的结果码错误不重试
func isGatewayBusy(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
