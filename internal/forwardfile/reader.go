package forwardfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParsePort 解析转发端口文件内容：去除首尾空白后按十进制无符号 16 位整数解析
func ParsePort(contents string) (uint16, error) {
	trimmed := strings.TrimSpace(contents)
	if trimmed == "" {
		return 0, fmt.Errorf("转发端口文件内容为空")
	}
	value, err := strconv.ParseUint(trimmed, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("无效的转发端口值 %q: %w", trimmed, err)
	}
	return uint16(value), nil
}

// ReadPort 读取并解析转发端口文件
func ReadPort(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("读取转发端口文件失败: %w", err)
	}
	return ParsePort(string(data))
}
