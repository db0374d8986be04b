package forwardfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// defaultDebounce 事件触发后的读取延迟，给写入方留出完成写入的时间
const defaultDebounce = 250 * time.Millisecond

// Watcher 转发端口文件监视器。监视文件所在目录（而非文件句柄本身，
// 因为 VPN 客户端重连时会重建该文件），只在解析出的端口与上次不同时回调。
type Watcher struct {
	path     string
	logger   *logrus.Logger
	debounce time.Duration
}

// NewWatcher 创建转发端口文件监视器
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Watch 监视转发端口文件直到 ctx 取消。启动时文件已存在则立即读取并回调一次，
// 之后每次端口值实际变化时调用 onChange；重复写入相同值会被抑制。
func (w *Watcher) Watch(ctx context.Context, onChange func(port uint16)) error {
	dir := filepath.Dir(w.path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监视器失败: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("监视目录 %s 失败: %w", dir, err)
	}

	var lastPort uint16
	var hasLast bool
	emit := func(port uint16) {
		if hasLast && lastPort == port {
			w.logger.WithField("port", port).Debug("转发端口未变化，跳过")
			return
		}
		lastPort, hasLast = port, true
		onChange(port)
	}

	if _, err := os.Stat(w.path); err == nil {
		if port, err := ReadPort(w.path); err == nil {
			w.logger.WithField("port", port).Info("读取到初始转发端口")
			emit(port)
		} else {
			w.logger.WithError(err).Warn("读取初始转发端口失败")
		}
	}

	w.logger.WithFields(logrus.Fields{
		"path": w.path,
		"dir":  dir,
	}).Info("开始监视转发端口文件")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("停止监视转发端口文件")
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("文件监视事件通道已关闭")
			}
			if !w.relevant(event) {
				continue
			}
			// 防抖：等待写入方完成写入后再读取
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.debounce):
			}
			port, err := ReadPort(w.path)
			if err != nil {
				// 写入方可能尚未写完，留给下一次事件
				w.logger.WithError(err).Debug("读取转发端口失败，等待后续事件")
				continue
			}
			emit(port)
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("文件监视错误通道已关闭")
			}
			w.logger.WithError(err).Warn("文件监视器报告错误")
		}
	}
}

// relevant 判断事件是否涉及被监视的文件或其父目录
func (w *Watcher) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	return name == w.path || name == filepath.Dir(w.path)
}
