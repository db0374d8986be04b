package health

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server 健康检查与指标 HTTP 服务。/healthz 在最近一次同步周期
// 成功应用时返回 200，否则 503；/metrics 暴露 Prometheus 指标。
type Server struct {
	listen   string
	logger   *logrus.Logger
	flag     *Flag
	gatherer prometheus.Gatherer
}

// NewServer 创建健康检查服务
func NewServer(listen string, logger *logrus.Logger, flag *Flag, gatherer prometheus.Gatherer) *Server {
	return &Server{
		listen:   listen,
		logger:   logger,
		flag:     flag,
		gatherer: gatherer,
	}
}

// Run 启动 HTTP 服务并运行到 ctx 取消，取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         s.listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	s.logger.WithField("listen", s.listen).Info("启动健康检查与指标服务")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("停止健康检查与指标服务")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// handleHealthz 根据健康标志返回 200 或 503
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.flag.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Unhealthy"))
}
