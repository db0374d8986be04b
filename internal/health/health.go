package health

import "sync/atomic"

// Flag 进程级健康标志。同步循环在每次应用尝试后写入，
// HTTP 处理器读取；这是引擎与外部报告面共享的唯一状态。
type Flag struct {
	healthy atomic.Bool
}

// NewFlag 创建健康标志，初始为不健康
func NewFlag() *Flag {
	return &Flag{}
}

// Set 更新健康状态
func (f *Flag) Set(healthy bool) {
	f.healthy.Store(healthy)
}

// Healthy 返回当前健康状态
func (f *Flag) Healthy() bool {
	return f.healthy.Load()
}
