package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"qbit-port-sync/internal/errs"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[qbittorrent]
base_url = "http://127.0.0.1:9091/"
username = "user"
password = "secret"
bind_interface = "wg0"

[protonvpn]
forwarded_port_path = "/run/user/1000/Proton/VPN/forwarded_port"

[portmap]
internal_port = 51413
protocol = "udp"
refresh_secs = 600

[health]
enabled = true
listen = ":9191"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Qbittorrent.BaseURL != "http://127.0.0.1:9091/" {
		t.Errorf("地址错误: %s", cfg.Qbittorrent.BaseURL)
	}
	if cfg.PortMap.InternalPort != 51413 {
		t.Errorf("内部端口错误: %d", cfg.PortMap.InternalPort)
	}
	// 协议大小写在加载时统一
	if cfg.PortMap.Protocol != "UDP" {
		t.Errorf("协议未规范化: %s", cfg.PortMap.Protocol)
	}
	if cfg.PortMap.RefreshSecs != 600 {
		t.Errorf("刷新间隔错误: %d", cfg.PortMap.RefreshSecs)
	}
	if !cfg.Health.Enabled || cfg.Health.Listen != ":9191" {
		t.Errorf("健康检查配置错误: %+v", cfg.Health)
	}
	if cfg.Source() != path {
		t.Errorf("配置来源错误: %s", cfg.Source())
	}

	iface := cfg.BindInterface()
	if iface == nil || *iface != "wg0" {
		t.Errorf("绑定网卡错误: %v", iface)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[qbittorrent]
password = "secret"
`))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Qbittorrent.BaseURL != "http://127.0.0.1:8080/" {
		t.Errorf("默认地址错误: %s", cfg.Qbittorrent.BaseURL)
	}
	if cfg.Qbittorrent.Username != "admin" {
		t.Errorf("默认用户名错误: %s", cfg.Qbittorrent.Username)
	}
	if cfg.PortMap.Protocol != "TCP" {
		t.Errorf("默认协议错误: %s", cfg.PortMap.Protocol)
	}
	if cfg.PortMap.RefreshSecs != 300 {
		t.Errorf("默认刷新间隔错误: %d", cfg.PortMap.RefreshSecs)
	}
	if !cfg.PortMap.AutodiscoverGateway {
		t.Error("默认应开启网关自动发现")
	}
	if cfg.Health.Enabled {
		t.Error("默认不应开启健康检查服务")
	}
	if cfg.BindInterface() != nil {
		t.Error("未配置绑定网卡时应返回 nil")
	}
}

func TestLoad_RelativeForwardedPortPath(t *testing.T) {
	path := writeConfig(t, `
[qbittorrent]
password = "secret"

[protonvpn]
forwarded_port_path = "vpn/forwarded_port"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	want := filepath.Join(filepath.Dir(path), "vpn", "forwarded_port")
	if cfg.ProtonVPN.ForwardedPortPath != want {
		t.Errorf("相对路径应以配置目录为基准: %s", cfg.ProtonVPN.ForwardedPortPath)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"无效协议", "[portmap]\nprotocol = \"SCTP\"\n"},
		{"刷新间隔为零", "[portmap]\nrefresh_secs = 0\n"},
		{"无效地址", "[qbittorrent]\nbase_url = \"not a url\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.contents)); !errs.IsConfig(err) {
				t.Errorf("应返回配置错误: %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	if _, err := Load(path); !errs.IsConfig(err) {
		t.Errorf("配置文件不存在应返回配置错误: %v", err)
	}
}

func TestPassword_EnvFallback(t *testing.T) {
	cfg := &Config{}

	t.Setenv(passwordEnvVar, "")
	if _, err := cfg.Password(); !errs.IsConfig(err) {
		t.Errorf("缺少密码应返回配置错误: %v", err)
	}

	t.Setenv(passwordEnvVar, "env-secret")
	pass, err := cfg.Password()
	if err != nil {
		t.Fatalf("读取密码失败: %v", err)
	}
	if pass != "env-secret" {
		t.Errorf("环境变量密码错误: %s", pass)
	}

	cfg.Qbittorrent.Password = "file-secret"
	pass, err = cfg.Password()
	if err != nil {
		t.Fatalf("读取密码失败: %v", err)
	}
	if pass != "file-secret" {
		t.Errorf("配置文件密码应优先于环境变量: %s", pass)
	}
}

func TestResolvedForwardedPortPath(t *testing.T) {
	explicit := &Config{
		ProtonVPN: ProtonVPNConfig{ForwardedPortPath: "/custom/forwarded_port"},
	}
	if got := explicit.ResolvedForwardedPortPath(); got != "/custom/forwarded_port" {
		t.Errorf("显式路径应原样返回: %s", got)
	}

	if runtime.GOOS != "linux" {
		t.Skip("默认路径仅在 linux 上可确定")
	}

	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	cfg := &Config{}
	want := "/run/user/1000/Proton/VPN/forwarded_port"
	if got := cfg.ResolvedForwardedPortPath(); got != want {
		t.Errorf("默认路径错误: %s", got)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Qbittorrent.BaseURL != "http://127.0.0.1:8080/" {
		t.Errorf("默认配置地址错误: %s", cfg.Qbittorrent.BaseURL)
	}
	if !cfg.PortMap.AutodiscoverGateway {
		t.Error("默认配置应开启网关自动发现")
	}
}
