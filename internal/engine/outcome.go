package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome 一次同步尝试的终态记录，用于单次模式的机器可读输出
type Outcome struct {
	Strategy     string  `json:"strategy"`
	DetectedPort *uint16 `json:"detected_port,omitempty"`
	Applied      bool    `json:"applied"`
	Verified     bool    `json:"verified"`
	Note         string  `json:"note"`
	Error        string  `json:"error,omitempty"`
}

// NewOutcome 创建指定策略标签的记录
func NewOutcome(strategy string) *Outcome {
	return &Outcome{Strategy: strategy}
}

// Line 序列化为单行 JSON
func (o *Outcome) Line() (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// buildNote 汇总本次应用的附加信息：租约时长，以及客户端侧
// 仍处于开启状态的随机端口 / UPnP 开关
func buildNote(update *ApplyResult, lease *time.Duration) string {
	var notes []string
	if lease != nil {
		notes = append(notes, fmt.Sprintf("ttl=%ds", int(lease.Seconds())))
	}
	if update.RandomPort != nil && *update.RandomPort {
		notes = append(notes, "random_port still enabled")
	}
	if update.UPnP != nil && *update.UPnP {
		notes = append(notes, "upnp still enabled")
	}
	return strings.Join(notes, "; ")
}
