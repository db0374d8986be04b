package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"qbit-port-sync/config"
	"qbit-port-sync/internal/engine"
	"qbit-port-sync/internal/errs"
	"qbit-port-sync/internal/forwardfile"
	"qbit-port-sync/internal/health"
	"qbit-port-sync/internal/metrics"
	"qbit-port-sync/internal/natprobe"
	"qbit-port-sync/internal/portmap"
	"qbit-port-sync/internal/qbit"
	"qbit-port-sync/internal/strategy"
)

// 版本信息，通过编译时注入
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// cliOptions 命令行参数
type cliOptions struct {
	configFile string
	verbose    int
	once       bool
	strategyIn string
	jsonOutput bool
}

func main() {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "qbit-port-sync",
		Short:         "将 VPN 网关的外部端口同步到 qBittorrent 监听端口",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "提高日志详细程度（可重复）")
	rootCmd.Flags().BoolVar(&opts.once, "once", false, "执行一次同步后退出")
	rootCmd.Flags().StringVar(&opts.strategyIn, "strategy", "auto", "同步策略 (file, pcp, natpmp, upnp, auto)")
	rootCmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "以单行 JSON 输出结果（需要 --once）")

	// 参数解析错误与配置错误同样使用退出码 2
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errs.Configf("%v", err)
	})

	rootCmd.AddCommand(newProbeCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(errs.Classify(err)))
	}
}

// run 执行根命令：单次同步或守护进程
func run(opts *cliOptions) error {
	logger := newLogger(opts.verbose)

	// --json 只对单次模式有意义，拒绝时仍然给出机器可读的输出
	if opts.jsonOutput && !opts.once {
		err := errs.Configf("--json 需要与 --once 一起使用")
		emitFailureJSON(opts.strategyIn, err)
		return err
	}

	requested, err := strategy.Parse(opts.strategyIn)
	if err != nil {
		return failRun(opts, err)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return failRun(opts, err)
	}
	logger.WithField("source", cfg.Source()).Debug("配置已加载")

	password, err := cfg.Password()
	if err != nil {
		return failRun(opts, err)
	}

	plan, err := strategy.Resolve(requested, cfg)
	if err != nil {
		return failRun(opts, err)
	}
	logger.WithField("strategy", plan.Label()).Info("同步计划已确定")

	client, err := qbit.NewClient(cfg.Qbittorrent.BaseURL, logger)
	if err != nil {
		return failRun(opts, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Login(ctx, cfg.Qbittorrent.Username, password); err != nil {
		return failRun(opts, err)
	}

	engOpts := engine.Options{
		Logger:        logger,
		Plan:          plan,
		Applier:       &engine.QbitApplier{Client: client},
		Refresh:       time.Duration(cfg.PortMap.RefreshSecs) * time.Second,
		BindInterface: cfg.BindInterface(),
	}
	switch plan.Kind {
	case strategy.KindFile:
		engOpts.Watcher = forwardfile.NewWatcher(plan.Path, logger)
	case strategy.KindMapping:
		engOpts.Negotiator = portmap.ForMode(plan.Mode, logger)
		engOpts.BuildRequest = func() (*portmap.Request, error) {
			return portmap.BuildRequest(cfg, logger)
		}
	}

	if opts.once {
		eng := engine.New(engOpts)
		outcome, runErr := eng.RunOnce(ctx)
		if opts.jsonOutput {
			line, jsonErr := outcome.Line()
			if jsonErr != nil {
				return jsonErr
			}
			fmt.Println(line)
		}
		return runErr
	}

	m := metrics.New()
	flag := health.NewFlag()
	engOpts.Health = flag
	engOpts.Metrics = m
	eng := engine.New(engOpts)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return eng.Run(groupCtx)
	})
	if cfg.Health.Enabled {
		server := health.NewServer(cfg.Health.Listen, logger, flag, m.Registry())
		group.Go(func() error {
			return server.Run(groupCtx)
		})
	}
	return group.Wait()
}

// failRun 失败时在 --json 模式下仍输出机器可读结果
func failRun(opts *cliOptions, err error) error {
	if opts.jsonOutput && opts.once {
		emitFailureJSON(opts.strategyIn, err)
	}
	return err
}

// emitFailureJSON 输出失败的单行 JSON 结果
func emitFailureJSON(strategyName string, err error) {
	outcome := engine.NewOutcome(strategyName)
	outcome.Error = err.Error()
	if line, jsonErr := outcome.Line(); jsonErr == nil {
		fmt.Println(line)
	}
}

// newLogger 根据 -v 次数创建日志器：默认 info 级 JSON 格式，
// 提高详细程度时切换为彩色文本便于交互排查
func newLogger(verbose int) *logrus.Logger {
	logger := logrus.New()

	switch {
	case verbose >= 2:
		logger.SetLevel(logrus.TraceLevel)
	case verbose == 1:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if verbose > 0 {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return logger
}

// newProbeCmd 创建网关能力探测子命令
func newProbeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "探测网关的 NAT-PMP/PCP 支持与 STUN 反射地址",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(opts.verbose)

			cfg, err := config.Load(opts.configFile)
			if err != nil {
				logger.WithError(err).Debug("配置加载失败，使用内置默认值")
				cfg = config.Default()
			}

			gatewayIP, err := portmap.ResolveGateway(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result := natprobe.New(logger, cfg.Probe.STUNServers).Run(ctx, gatewayIP)

			fmt.Printf("网关地址:    %s\n", result.Gateway)
			fmt.Printf("NAT-PMP:     %s\n", supportLabel(result.NATPMP))
			fmt.Printf("PCP:         %s\n", supportLabel(result.PCP))
			if result.ExternalIP != nil {
				fmt.Printf("外网地址:    %s:%d (via %s)\n", result.ExternalIP, result.ExternalPort, result.STUNServer)
			} else {
				fmt.Printf("外网地址:    探测失败\n")
			}
			return nil
		},
	}
}

func supportLabel(supported bool) string {
	if supported {
		return "支持"
	}
	return "不支持"
}
