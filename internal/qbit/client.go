package qbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"qbit-port-sync/internal/errs"
)

const requestTimeout = 15 * time.Second

// Client qBittorrent Web API 客户端。所有调用都是快速失败的网络操作，
// 不内置重试，重试由引擎的周期循环负责。
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *logrus.Logger
}

// PortUpdate 一次端口应用的结果
type PortUpdate struct {
	DetectedPort uint16
	Verified     bool
	// RandomPort、UPnP 回读客户端的对应开关状态；首选项中缺失时为 nil
	RandomPort *bool
	UPnP       *bool
}

// networkInterface qBittorrent 返回的网卡描述
type networkInterface struct {
	Name      string `json:"name"`
	Interface string `json:"interface"`
	ID        string `json:"id"`
}

// interfaceSelection 解析后的网卡绑定选择
type interfaceSelection struct {
	name string
	id   string
}

// NewClient 创建 qBittorrent 客户端
func NewClient(baseURL string, logger *logrus.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || !parsed.IsAbs() {
		return nil, errs.Configf("无效的 qBittorrent 地址 %q", baseURL)
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errs.Configf("创建 Cookie 存储失败: %v", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
		},
		baseURL: parsed,
		logger:  logger,
	}, nil
}

// Login 认证并建立会话。登录被拒绝与其他异常响应以不同错误类别区分。
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"username": {username},
		"password": {password},
	}

	body, status, err := c.postForm(ctx, "api/v2/auth/login", form)
	if err != nil {
		return errs.Applyf("qBittorrent 登录请求失败: %v", err)
	}
	if status != http.StatusOK {
		return errs.Applyf("qBittorrent 登录返回异常状态 %d: %s", status, body)
	}
	if strings.TrimSpace(body) != "Ok." {
		return errs.Authf("qBittorrent 登录被拒绝: %s", strings.TrimSpace(body))
	}

	c.logger.Info("已通过 qBittorrent Web API 认证")
	return nil
}

// SetListenPort 应用监听端口并回读验证。同时关闭随机端口与客户端自带的 UPnP。
// 回读端口与请求端口不一致并非错误，而是降级成功，由调用方记录并继续。
func (c *Client) SetListenPort(ctx context.Context, port uint16, bindInterface *string) (*PortUpdate, error) {
	payload := map[string]interface{}{
		"listen_port": port,
		"random_port": false,
		"upnp":        false,
	}

	if bindInterface != nil {
		if selection := c.resolveInterface(ctx, *bindInterface); selection != nil {
			payload["network_interface"] = selection.name
			if selection.id != "" {
				payload["network_interface_id"] = selection.id
			}
		} else {
			c.logger.WithField("interface", *bindInterface).
				Warn("qBittorrent 上未找到请求的绑定网卡，忽略网卡绑定")
		}
	}

	if err := c.setPreferences(ctx, payload); err != nil {
		return nil, err
	}

	prefs, err := c.preferences(ctx)
	if err != nil {
		return nil, err
	}

	detected, ok := asPort(prefs["listen_port"])
	if !ok {
		return nil, errs.Applyf("qBittorrent 首选项中缺少 listen_port")
	}

	update := &PortUpdate{
		DetectedPort: detected,
		Verified:     detected == port,
	}
	if v, ok := prefs["random_port"].(bool); ok {
		update.RandomPort = &v
	}
	if v, ok := prefs["upnp"].(bool); ok {
		update.UPnP = &v
	}

	if update.Verified {
		c.logger.WithField("port", detected).Info("qBittorrent 监听端口已验证")
	} else {
		c.logger.WithFields(logrus.Fields{
			"expected": port,
			"reported": detected,
		}).Warn("应用后 qBittorrent 监听端口与请求值不一致")
	}
	return update, nil
}

// setPreferences 提交首选项更新
func (c *Client) setPreferences(ctx context.Context, payload map[string]interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errs.Applyf("序列化首选项失败: %v", err)
	}

	form := url.Values{"json": {string(encoded)}}
	body, status, err := c.postForm(ctx, "api/v2/app/setPreferences", form)
	if err != nil {
		return errs.Applyf("提交 qBittorrent 首选项失败: %v", err)
	}
	if status != http.StatusOK {
		return errs.Applyf("qBittorrent 首选项更新返回异常状态 %d: %s", status, body)
	}

	c.logger.Debug("已提交 qBittorrent 首选项更新")
	return nil
}

// preferences 读取当前首选项
func (c *Client) preferences(ctx context.Context) (map[string]interface{}, error) {
	data, status, err := c.get(ctx, "api/v2/app/preferences")
	if err != nil {
		return nil, errs.Applyf("读取 qBittorrent 首选项失败: %v", err)
	}
	if status != http.StatusOK {
		return nil, errs.Applyf("qBittorrent 首选项查询返回异常状态 %d: %s", status, data)
	}

	var prefs map[string]interface{}
	if err := json.Unmarshal([]byte(data), &prefs); err != nil {
		return nil, errs.Applyf("解析 qBittorrent 首选项失败: %v", err)
	}
	return prefs, nil
}

// resolveInterface 在客户端的网卡列表中查找请求的绑定网卡；
// 查询失败或未命中时返回 nil，调用方继续而不绑定
func (c *Client) resolveInterface(ctx context.Context, requested string) *interfaceSelection {
	data, status, err := c.get(ctx, "api/v2/app/networkInterfaceList")
	if err != nil || status != http.StatusOK {
		c.logger.WithError(err).Warn("查询 qBittorrent 网卡列表失败")
		return nil
	}

	var items []networkInterface
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		c.logger.WithError(err).Warn("解析 qBittorrent 网卡列表失败")
		return nil
	}

	for _, item := range items {
		if matchesInterface(item, requested) {
			selection := &interfaceSelection{name: item.Name, id: item.ID}
			if selection.id == "" {
				selection.id = item.Interface
			}
			return selection
		}
	}
	return nil
}

// matchesInterface 判断网卡条目是否匹配请求的名称（名称、系统接口名或 ID 任一命中）
func matchesInterface(item networkInterface, requested string) bool {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return false
	}
	return item.Name == requested || item.Interface == requested || item.ID == requested
}

// postForm 发送表单 POST 请求
func (c *Client) postForm(ctx context.Context, path string, form url.Values) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// get 发送 GET 请求
func (c *Client) get(ctx context.Context, path string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return "", 0, err
	}
	return c.do(req)
}

// do 执行请求，附带 Web API 要求的 Referer 与 Origin 头
func (c *Client) do(req *http.Request) (string, int, error) {
	req.Header.Set("Referer", c.baseURL.String())
	req.Header.Set("Origin", fmt.Sprintf("%s://%s", c.baseURL.Scheme, c.baseURL.Host))
	req.Header.Set("User-Agent", "qbit-port-sync")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// endpoint 拼接 API 路径
func (c *Client) endpoint(path string) string {
	ref := &url.URL{Path: path}
	return c.baseURL.ResolveReference(ref).String()
}

// asPort 将 JSON 数值转换为端口号
func asPort(value interface{}) (uint16, bool) {
	number, ok := value.(float64)
	if !ok || number < 0 || number > 65535 {
		return 0, false
	}
	return uint16(number), true
}
