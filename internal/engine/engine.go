package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
	"qbit-port-sync/internal/forwardfile"
	"qbit-port-sync/internal/health"
	"qbit-port-sync/internal/metrics"
	"qbit-port-sync/internal/portmap"
	"qbit-port-sync/internal/strategy"
)

// refreshFloor 租约派生的唤醒间隔下限
const refreshFloor = 10 * time.Second

// MappingNegotiator 端口映射协商入口，通常是 portmap.Chain
type MappingNegotiator interface {
	Negotiate(ctx context.Context, req *portmap.Request) (*portmap.Mapping, error)
}

// RequestBuilder 每个周期构造一次协商请求
type RequestBuilder func() (*portmap.Request, error)

// PortWatcher 转发端口文件监视器
type PortWatcher interface {
	Watch(ctx context.Context, onChange func(port uint16)) error
}

// Options 引擎构造参数
type Options struct {
	Logger       *logrus.Logger
	Plan         strategy.Plan
	Applier      PortApplier
	Negotiator   MappingNegotiator
	BuildRequest RequestBuilder
	Watcher      PortWatcher
	// Health、Metrics 可为 nil（单次模式或测试）
	Health  *health.Flag
	Metrics *metrics.Metrics
	// Refresh 未取得租约时的固定刷新间隔
	Refresh       time.Duration
	BindInterface *string
}

// Engine 端口同步引擎。单个逻辑任务驱动整个同步周期：
// 同一实例内任意时刻至多一次协商、至多一次应用在途。
type Engine struct {
	logger       *logrus.Logger
	plan         strategy.Plan
	applier      PortApplier
	negotiator   MappingNegotiator
	buildRequest RequestBuilder
	watcher      PortWatcher
	health       *health.Flag
	metrics      *metrics.Metrics
	refresh      time.Duration
	bindIface    *string
}

// New 创建端口同步引擎
func New(opts Options) *Engine {
	return &Engine{
		logger:       opts.Logger,
		plan:         opts.Plan,
		applier:      opts.Applier,
		negotiator:   opts.Negotiator,
		buildRequest: opts.BuildRequest,
		watcher:      opts.Watcher,
		health:       opts.Health,
		metrics:      opts.Metrics,
		refresh:      opts.Refresh,
		bindIface:    opts.BindInterface,
	}
}

// Run 以守护模式运行到 ctx 取消。瞬时失败只记录并重试，
// 永不退出循环；配置类与认证类错误才终止守护进程。
func (e *Engine) Run(ctx context.Context) error {
	if e.plan.Kind == strategy.KindFile {
		return e.runFileLoop(ctx)
	}
	return e.runMappingLoop(ctx)
}

// runFileLoop 文件监视路径：由文件事件驱动，没有定时器
func (e *Engine) runFileLoop(ctx context.Context) error {
	e.logger.WithField("path", e.plan.Path).Info("以文件监视策略启动")

	ports := make(chan uint16, 16)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- e.watcher.Watch(ctx, func(port uint16) {
			select {
			case ports <- port:
			default:
			}
		})
	}()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("收到停止信号，退出文件监视循环")
			return nil
		case err := <-watchErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return errs.Applyf("转发端口监视器终止: %v", err)
			}
			return nil
		case port := <-ports:
			e.logger.WithField("port", port).Info("应用转发端口")
			if _, err := e.applyPort(ctx, port); err != nil {
				if errs.IsAuth(err) {
					return err
				}
				e.logger.WithError(err).WithField("port", port).Warn("应用转发端口失败")
				e.setHealth(false)
				e.recordFailure()
			}
		}
	}
}

// runMappingLoop 主动映射路径：协商、应用、按租约或固定间隔休眠
func (e *Engine) runMappingLoop(ctx context.Context) error {
	e.logger.WithField("mode", e.plan.Mode.String()).Info("以主动映射策略启动")

	for {
		delay, err := e.mappingCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			// 配置与认证错误是致命的，不能靠重试恢复；
			// 协议不支持按周期失败处理，网关换代后重试可能恢复
			if errs.IsConfig(err) || errs.IsUnsupported(err) || errs.IsAuth(err) {
				return err
			}
			e.logger.WithError(err).Warn("端口映射周期失败")
			e.setHealth(false)
			e.recordFailure()
			// 没有取得租约，按配置的固定间隔重试
			delay = e.refresh
		}

		select {
		case <-ctx.Done():
			e.logger.Info("收到停止信号，退出映射循环")
			return nil
		case <-time.After(delay):
		}
	}
}

// mappingCycle 执行一个协商-应用周期，返回下一次唤醒前的等待时长
func (e *Engine) mappingCycle(ctx context.Context) (time.Duration, error) {
	req, err := e.buildRequest()
	if err != nil {
		return 0, err
	}

	mapping, err := e.negotiator.Negotiate(ctx, req)
	if err != nil {
		return 0, err
	}

	if _, err := e.applyPort(ctx, mapping.ExternalPort); err != nil {
		return 0, err
	}

	delay := nextRefreshDelay(mapping.Lease, e.refresh)
	e.logger.WithField("delay", delay.String()).Info("下一次映射刷新已排定")
	return delay, nil
}

// applyPort 调用应用方并在成功时更新健康状态与指标。
// 失败由调用方按周期记账一次，这里不重复记录。
// 回读端口与请求值不一致记为降级成功，不是错误。
func (e *Engine) applyPort(ctx context.Context, port uint16) (*ApplyResult, error) {
	update, err := e.applier.Apply(ctx, port, e.bindIface)
	if err != nil {
		return nil, err
	}

	e.setHealth(update.Verified)
	e.recordUpdate(update.DetectedPort)

	if !update.Verified {
		e.logger.WithFields(logrus.Fields{
			"requested": port,
			"detected":  update.DetectedPort,
		}).Warn("应用后监听端口验证未通过")
	}
	return update, nil
}

// RunOnce 执行一次同步并返回终态记录。失败时记录中带有错误信息，
// 同时返回错误供调用方映射退出码。
func (e *Engine) RunOnce(ctx context.Context) (*Outcome, error) {
	if e.plan.Kind == strategy.KindFile {
		return e.runOnceFile(ctx)
	}
	return e.runOnceMapping(ctx)
}

// runOnceFile 单次文件策略：直接读取当前转发端口并应用
func (e *Engine) runOnceFile(ctx context.Context) (*Outcome, error) {
	outcome := NewOutcome("file")

	port, err := forwardfile.ReadPort(e.plan.Path)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, errs.Applyf("读取转发端口失败: %v", err)
	}

	update, err := e.applyPort(ctx, port)
	if err != nil {
		outcome.Error = err.Error()
		e.setHealth(false)
		e.recordFailure()
		return outcome, err
	}

	outcome.DetectedPort = &update.DetectedPort
	outcome.Applied = true
	outcome.Verified = update.Verified
	outcome.Note = buildNote(update, nil)
	return outcome, nil
}

// runOnceMapping 单次映射策略：一次协商加一次应用
func (e *Engine) runOnceMapping(ctx context.Context) (*Outcome, error) {
	outcome := NewOutcome(e.plan.Mode.String())

	req, err := e.buildRequest()
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}

	mapping, err := e.negotiator.Negotiate(ctx, req)
	if err != nil {
		outcome.Error = err.Error()
		e.setHealth(false)
		e.recordFailure()
		return outcome, err
	}
	// 自动模式下记录实际取得映射所用的协议
	if e.plan.Mode == portmap.ModeAuto {
		outcome.Strategy = string(mapping.Method)
	}

	update, err := e.applyPort(ctx, mapping.ExternalPort)
	if err != nil {
		outcome.Error = err.Error()
		e.setHealth(false)
		e.recordFailure()
		return outcome, err
	}

	outcome.DetectedPort = &update.DetectedPort
	outcome.Applied = true
	outcome.Verified = update.Verified
	outcome.Note = buildNote(update, mapping.Lease)
	return outcome, nil
}

// nextRefreshDelay 计算下一次唤醒前的等待时长：取得租约时用租约的一半
// （对时钟漂移和网关提前过期的余量），不足下限或没有租约时退回固定刷新间隔
func nextRefreshDelay(lease *time.Duration, refresh time.Duration) time.Duration {
	if lease != nil {
		if half := *lease / 2; half >= refreshFloor {
			return half
		}
	}
	if refresh < refreshFloor {
		return refreshFloor
	}
	return refresh
}

func (e *Engine) setHealth(healthy bool) {
	if e.health != nil {
		e.health.Set(healthy)
	}
}

func (e *Engine) recordUpdate(port uint16) {
	if e.metrics != nil {
		e.metrics.RecordUpdate(port)
	}
}

func (e *Engine) recordFailure() {
	if e.metrics != nil {
		e.metrics.RecordFailure()
	}
}
