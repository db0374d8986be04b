package strategy

import (
	"os"
	"path/filepath"

	"qbit-port-sync/config"
	"qbit-port-sync/internal/errs"
	"qbit-port-sync/internal/portmap"
)

// Strategy 用户请求的同步策略
type Strategy string

const (
	StrategyFile   Strategy = "file"
	StrategyPCP    Strategy = "pcp"
	StrategyNATPMP Strategy = "natpmp"
	StrategyUPnP   Strategy = "upnp"
	StrategyAuto   Strategy = "auto"
)

// Parse 解析策略名称
func Parse(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyFile, StrategyPCP, StrategyNATPMP, StrategyUPnP, StrategyAuto:
		return Strategy(name), nil
	default:
		return "", errs.Configf("无效的同步策略 %q（可选 file、pcp、natpmp、upnp、auto）", name)
	}
}

// Kind 策略计划类别
type Kind int

const (
	// KindFile 监视 VPN 客户端写入的转发端口文件
	KindFile Kind = iota
	// KindMapping 主动与网关协商端口映射
	KindMapping
)

// Plan 启动时解析出的同步计划，守护进程运行期间不再重新解析
type Plan struct {
	Kind Kind
	// Path 转发端口文件路径，仅 KindFile 有效
	Path string
	// Mode 映射模式，仅 KindMapping 有效
	Mode portmap.Mode
}

// Label 返回计划的策略标签
func (p Plan) Label() string {
	if p.Kind == KindFile {
		return "file"
	}
	return p.Mode.String()
}

// Resolve 根据请求的策略与本地环境解析同步计划。自动模式下，
// 转发端口文件已存在、或文件尚不存在但其父目录存在（说明 VPN 客户端
// 在本机管理该路径）时优先文件策略，否则回落到主动映射。
func Resolve(requested Strategy, cfg *config.Config) (Plan, error) {
	switch requested {
	case StrategyFile:
		path, err := resolveFilePath(cfg)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Kind: KindFile, Path: path}, nil
	case StrategyPCP:
		return Plan{Kind: KindMapping, Mode: portmap.ModePCPOnly}, nil
	case StrategyNATPMP:
		return Plan{Kind: KindMapping, Mode: portmap.ModeNATOnly}, nil
	case StrategyUPnP:
		return Plan{Kind: KindMapping, Mode: portmap.ModeUPnPOnly}, nil
	default:
		if preferFile(cfg) {
			path, err := resolveFilePath(cfg)
			if err != nil {
				return Plan{}, err
			}
			return Plan{Kind: KindFile, Path: path}, nil
		}
		return Plan{Kind: KindMapping, Mode: portmap.ModeAuto}, nil
	}
}

// preferFile 判断本机是否看起来由 VPN 客户端管理转发端口文件。
// 这是一次性的启发式判断，运行中不会因文件出现而改变策略。
func preferFile(cfg *config.Config) bool {
	path := cfg.ResolvedForwardedPortPath()
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Dir(path)); err == nil {
		return true
	}
	return false
}

// resolveFilePath 解析并校验转发端口文件路径：路径在当前平台不可确定
// 是平台不支持错误；父目录不存在（无目录可监视）是配置错误
func resolveFilePath(cfg *config.Config) (string, error) {
	path := cfg.ResolvedForwardedPortPath()
	if path == "" {
		return "", errs.Unsupportedf("当前平台无法确定转发端口文件路径")
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return "", errs.Configf("转发端口目录不可用: %s", dir)
	}
	return path, nil
}
