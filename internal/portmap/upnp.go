package portmap

import (
	"context"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
)

const upnpSSDPPort = 1900

// UPnPNegotiator 基于 UPnP IGD 的协商器。只通过显式的 upnp 策略选用，
// 不参与自动回退链。
type UPnPNegotiator struct {
	logger *logrus.Logger
}

// NewUPnP 创建 UPnP 协商器
func NewUPnP(logger *logrus.Logger) *UPnPNegotiator {
	return &UPnPNegotiator{logger: logger}
}

// Name 返回协商器名称
func (u *UPnPNegotiator) Name() string {
	return "upnp"
}

// Negotiate 发现局域网内的 IGD 设备并添加端口映射
func (u *UPnPNegotiator) Negotiate(ctx context.Context, req *Request) (*Mapping, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, errs.Negotiationf("发现 UPnP 设备失败: %v", err)
	}
	if len(clients) == 0 {
		return nil, errs.ProtocolUnsupportedf("未发现可用的 UPnP 网关设备")
	}
	client := clients[0]

	localIP, err := localAddrToward(req.Gateway, upnpSSDPPort)
	if err != nil {
		return nil, errs.Negotiationf("确定本机地址失败: %v", err)
	}

	externalPort := req.InternalPort
	if req.PreferredExternalPort != nil {
		externalPort = *req.PreferredExternalPort
	}

	err = client.AddPortMappingCtx(
		ctx,
		"",
		externalPort,
		string(req.Protocol),
		req.InternalPort,
		localIP.String(),
		true,
		"qbit-port-sync",
		req.LeaseSeconds,
	)
	if err != nil {
		return nil, errs.Negotiationf("添加 UPnP 端口映射失败: %v", err)
	}

	u.logger.WithFields(logrus.Fields{
		"internal_port": req.InternalPort,
		"external_port": externalPort,
		"protocol":      req.Protocol,
	}).Debug("UPnP 端口映射添加成功")

	mapping := &Mapping{
		InternalPort: req.InternalPort,
		ExternalPort: externalPort,
		Method:       MethodUPnP,
	}
	if req.LeaseSeconds > 0 {
		lease := time.Duration(req.LeaseSeconds) * time.Second
		mapping.Lease = &lease
	}
	return mapping, nil
}
