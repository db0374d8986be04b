package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"qbit-port-sync/internal/errs"
)

// passwordEnvVar 密码环境变量，配置文件中留空时使用
const passwordEnvVar = "QB_PORT_SYNC_QB_PASSWORD"

// Config 配置结构体
type Config struct {
	Qbittorrent QbittorrentConfig `mapstructure:"qbittorrent"`
	ProtonVPN   ProtonVPNConfig   `mapstructure:"protonvpn"`
	PortMap     PortMapConfig     `mapstructure:"portmap"`
	Health      HealthConfig      `mapstructure:"health"`
	Probe       ProbeConfig       `mapstructure:"probe"`

	source string
}

// QbittorrentConfig qBittorrent Web API 配置
type QbittorrentConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	BindInterface string `mapstructure:"bind_interface"`
}

// ProtonVPNConfig VPN 客户端转发端口文件配置
type ProtonVPNConfig struct {
	ForwardedPortPath string `mapstructure:"forwarded_port_path"`
}

// PortMapConfig 主动端口映射配置
type PortMapConfig struct {
	InternalPort        uint16 `mapstructure:"internal_port"`
	Protocol            string `mapstructure:"protocol"`
	RefreshSecs         uint64 `mapstructure:"refresh_secs"`
	AutodiscoverGateway bool   `mapstructure:"autodiscover_gateway"`
	Gateway             string `mapstructure:"gateway"`
}

// HealthConfig 健康检查与指标服务配置
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ProbeConfig 网关探测配置
type ProbeConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

// Load 加载配置文件；path 为空时按标准位置查找
func Load(path string) (*Config, error) {
	resolved, err := findConfig(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(resolved)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.Configf("读取配置文件失败: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Configf("解析配置文件失败: %v", err)
	}

	cfg.source = resolved
	cfg.postProcess()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，供不依赖配置文件的探测命令使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("qbittorrent.base_url", "http://127.0.0.1:8080/")
	v.SetDefault("qbittorrent.username", "admin")
	v.SetDefault("qbittorrent.password", "")
	v.SetDefault("qbittorrent.bind_interface", "")

	v.SetDefault("protonvpn.forwarded_port_path", "")

	v.SetDefault("portmap.internal_port", 0)
	v.SetDefault("portmap.protocol", "TCP")
	v.SetDefault("portmap.refresh_secs", 300)
	v.SetDefault("portmap.autodiscover_gateway", true)
	v.SetDefault("portmap.gateway", "")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.listen", ":9090")

	v.SetDefault("probe.stun_servers", []string{})
}

// findConfig 确定配置文件路径
func findConfig(cliPath string) (string, error) {
	if cliPath != "" {
		return cliPath, nil
	}

	var candidates []string
	if configDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(configDir, "qbit-port-sync", "config.toml"))
	}
	candidates = append(candidates, "/etc/qbit-port-sync/config.toml")

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", errs.Configf("未找到配置文件；请通过 --config 指定，或在标准位置创建")
}

// postProcess 规范化字段并以配置文件目录为相对路径基准
func (c *Config) postProcess() {
	path := strings.TrimSpace(c.ProtonVPN.ForwardedPortPath)
	c.ProtonVPN.ForwardedPortPath = path
	if path != "" && !filepath.IsAbs(path) && c.source != "" {
		c.ProtonVPN.ForwardedPortPath = filepath.Join(filepath.Dir(c.source), path)
	}
	c.PortMap.Protocol = strings.ToUpper(strings.TrimSpace(c.PortMap.Protocol))
}

// validate 校验配置合法性
func (c *Config) validate() error {
	parsed, err := url.Parse(c.Qbittorrent.BaseURL)
	if err != nil || !parsed.IsAbs() {
		return errs.Configf("无效的 qBittorrent 地址 %q", c.Qbittorrent.BaseURL)
	}
	switch c.PortMap.Protocol {
	case "TCP", "UDP", "BOTH":
	default:
		return errs.Configf("无效的映射协议 %q（可选 TCP、UDP、BOTH）", c.PortMap.Protocol)
	}
	if c.PortMap.RefreshSecs == 0 {
		return errs.Configf("portmap.refresh_secs 必须大于 0")
	}
	return nil
}

// Password 返回 qBittorrent 密码，配置文件留空时回退到环境变量
func (c *Config) Password() (string, error) {
	if pass := strings.TrimSpace(c.Qbittorrent.Password); pass != "" {
		return pass, nil
	}
	if pass := strings.TrimSpace(os.Getenv(passwordEnvVar)); pass != "" {
		return pass, nil
	}
	return "", errs.Configf("缺少 qBittorrent 密码（在配置文件或 %s 环境变量中设置）", passwordEnvVar)
}

// BindInterface 返回要绑定的网卡名；未配置时返回 nil
func (c *Config) BindInterface() *string {
	iface := strings.TrimSpace(c.Qbittorrent.BindInterface)
	if iface == "" {
		return nil
	}
	return &iface
}

// ResolvedForwardedPortPath 解析转发端口文件路径；当前平台无法确定时返回空串
func (c *Config) ResolvedForwardedPortPath() string {
	if c.ProtonVPN.ForwardedPortPath != "" {
		return c.ProtonVPN.ForwardedPortPath
	}
	if runtime.GOOS != "linux" {
		return ""
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "Proton", "VPN", "forwarded_port")
	}
	return fmt.Sprintf("/run/user/%d/Proton/VPN/forwarded_port", os.Getuid())
}

// Source 返回实际加载的配置文件路径
func (c *Config) Source() string {
	return c.source
}
