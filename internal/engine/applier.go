package engine

import (
	"context"

	"qbit-port-sync/internal/qbit"
)

// ApplyResult 一次端口应用的结果
type ApplyResult struct {
	DetectedPort uint16
	Verified     bool
	RandomPort   *bool
	UPnP         *bool
}

// PortApplier 将端口应用到下游客户端的协作方
type PortApplier interface {
	Apply(ctx context.Context, port uint16, bindInterface *string) (*ApplyResult, error)
}

// QbitApplier 将端口应用到 qBittorrent
type QbitApplier struct {
	Client *qbit.Client
}

// Apply 调用 qBittorrent 客户端应用并验证监听端口
func (a *QbitApplier) Apply(ctx context.Context, port uint16, bindInterface *string) (*ApplyResult, error) {
	update, err := a.Client.SetListenPort(ctx, port, bindInterface)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{
		DetectedPort: update.DetectedPort,
		Verified:     update.Verified,
		RandomPort:   update.RandomPort,
		UPnP:         update.UPnP,
	}, nil
}
