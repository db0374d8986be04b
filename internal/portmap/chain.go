package portmap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
)

// Chain 按顺序尝试多个协商器直到一个成功。协议不支持与一般性失败
// 都会继续尝试下一个；全部失败时返回携带各协商器错误信息的组合错误。
type Chain struct {
	negotiators []Negotiator
	logger      *logrus.Logger
}

// NewChain 创建协商链
func NewChain(logger *logrus.Logger, negotiators ...Negotiator) *Chain {
	return &Chain{
		negotiators: negotiators,
		logger:      logger,
	}
}

// ForMode 根据映射模式构造协商链。自动模式先 PCP 后 NAT-PMP；
// 单协议模式只包含一个协商器，不回退。
func ForMode(mode Mode, logger *logrus.Logger) *Chain {
	switch mode {
	case ModePCPOnly:
		return NewChain(logger, NewPCP(logger))
	case ModeNATOnly:
		return NewChain(logger, NewNATPMP(logger))
	case ModeUPnPOnly:
		return NewChain(logger, NewUPnP(logger))
	default:
		return NewChain(logger, NewPCP(logger), NewNATPMP(logger))
	}
}

// Negotiate 执行一次协商
func (c *Chain) Negotiate(ctx context.Context, req *Request) (*Mapping, error) {
	var failures []string
	var lastErr error

	for _, negotiator := range c.negotiators {
		mapping, err := negotiator.Negotiate(ctx, req)
		if err == nil {
			fields := logrus.Fields{
				"method":        mapping.Method,
				"internal_port": mapping.InternalPort,
				"external_port": mapping.ExternalPort,
			}
			if mapping.Lease != nil {
				fields["lease"] = mapping.Lease.String()
			}
			c.logger.WithFields(fields).Info("端口映射协商成功")
			return mapping, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		entry := c.logger.WithFields(logrus.Fields{
			"negotiator": negotiator.Name(),
			"error":      err,
		})
		if errs.IsProtocolUnsupported(err) {
			entry.Warn("网关不支持该协议，尝试下一个协商器")
		} else {
			entry.Warn("端口映射协商失败，尝试下一个协商器")
		}
		failures = append(failures, fmt.Sprintf("%s: %v", negotiator.Name(), err))
		lastErr = err
	}

	// 单协商器链保留原始错误类别，退出码依赖这一区分
	if len(c.negotiators) == 1 && lastErr != nil {
		return nil, lastErr
	}
	return nil, errs.Negotiationf("所有端口映射协商器均失败: %s", strings.Join(failures, "; "))
}
