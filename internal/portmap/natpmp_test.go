package portmap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"qbit-port-sync/internal/errs"
)

// fakeNATPMPClient 按脚本应答，记录收到的请求参数
type fakeNATPMPClient struct {
	result       *natpmp.AddPortMappingResult
	errs         []error
	calls        int
	lastProtocol string
	lastInternal int
	lastExternal int
	lastLifetime int
}

func (f *fakeNATPMPClient) AddPortMapping(protocol string, internalPort, requestedExternalPort, lifetime int) (*natpmp.AddPortMappingResult, error) {
	f.lastProtocol = protocol
	f.lastInternal = internalPort
	f.lastExternal = requestedExternalPort
	f.lastLifetime = lifetime
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	return f.result, nil
}

// timeoutError 模拟网关未应答的超时
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func natpmpNegotiatorWith(client natpmpClient) *NATPMPNegotiator {
	n := NewNATPMP(testLogger())
	n.retryDelay = time.Millisecond
	n.newClient = func(gatewayIP net.IP) natpmpClient { return client }
	return n
}

func natpmpTestRequest() *Request {
	preferred := uint16(51413)
	return &Request{
		InternalPort:          51413,
		PreferredExternalPort: &preferred,
		Protocol:              ProtocolTCP,
		Gateway:               net.IPv4(192, 168, 1, 1),
		LeaseSeconds:          3600,
	}
}

func TestNATPMPNegotiate(t *testing.T) {
	client := &fakeNATPMPClient{
		result: &natpmp.AddPortMappingResult{
			InternalPort:                 51413,
			MappedExternalPort:           60001,
			PortMappingLifetimeInSeconds: 3600,
		},
	}

	mapping, err := natpmpNegotiatorWith(client).Negotiate(context.Background(), natpmpTestRequest())
	if err != nil {
		t.Fatalf("NAT-PMP 协商失败: %v", err)
	}

	if mapping.ExternalPort != 60001 || mapping.Method != MethodNATPMP {
		t.Errorf("映射结果错误: %+v", mapping)
	}
	if mapping.Lease == nil || *mapping.Lease != 3600*time.Second {
		t.Errorf("租约时长错误: %v", mapping.Lease)
	}
	// jackpal 客户端要求小写协议名
	if client.lastProtocol != "tcp" {
		t.Errorf("协议名应为小写: %s", client.lastProtocol)
	}
	if client.lastInternal != 51413 || client.lastExternal != 51413 {
		t.Errorf("请求端口错误: internal=%d external=%d", client.lastInternal, client.lastExternal)
	}
	if client.lastLifetime != 3600 {
		t.Errorf("请求租约错误: %d", client.lastLifetime)
	}
}

func TestNATPMPNegotiate_ZeroLifetime(t *testing.T) {
	client := &fakeNATPMPClient{
		result: &natpmp.AddPortMappingResult{
			InternalPort:       51413,
			MappedExternalPort: 51413,
		},
	}

	mapping, err := natpmpNegotiatorWith(client).Negotiate(context.Background(), natpmpTestRequest())
	if err != nil {
		t.Fatalf("NAT-PMP 协商失败: %v", err)
	}
	if mapping.Lease != nil {
		t.Errorf("零租约应表示为 nil: %v", mapping.Lease)
	}
}

func TestNATPMPNegotiate_RetriesOnTimeout(t *testing.T) {
	client := &fakeNATPMPClient{
		errs: []error{timeoutError{}, timeoutError{}},
		result: &natpmp.AddPortMappingResult{
			InternalPort:       51413,
			MappedExternalPort: 51413,
		},
	}

	if _, err := natpmpNegotiatorWith(client).Negotiate(context.Background(), natpmpTestRequest()); err != nil {
		t.Fatalf("超时后重试应最终成功: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("调用次数错误: %d", client.calls)
	}
}

func TestNATPMPNegotiate_DefiniteErrorDoesNotRetry(t *testing.T) {
	client := &fakeNATPMPClient{
		errs: []error{errors.New("result code 2"), nil},
		result: &natpmp.AddPortMappingResult{
			InternalPort:       51413,
			MappedExternalPort: 51413,
		},
	}

	_, err := natpmpNegotiatorWith(client).Negotiate(context.Background(), natpmpTestRequest())
	if !errs.IsNegotiation(err) {
		t.Errorf("确定性失败应返回协商错误: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("确定性失败不应重试: %d", client.calls)
	}
}

func TestNATPMPNegotiate_GivesUpAfterMaxRetries(t *testing.T) {
	client := &fakeNATPMPClient{
		errs: []error{timeoutError{}, timeoutError{}, timeoutError{}, timeoutError{}},
	}

	_, err := natpmpNegotiatorWith(client).Negotiate(context.Background(), natpmpTestRequest())
	if !errs.IsNegotiation(err) {
		t.Errorf("重试耗尽应返回协商错误: %v", err)
	}
	if client.calls != 4 {
		t.Errorf("调用次数错误: %d", client.calls)
	}
}
