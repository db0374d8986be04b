package portmap

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"qbit-port-sync/internal/errs"
)

// startFakePCPGateway 在回环地址上启动一个假 PCP 网关，
// 对每个 MAP 请求按 respond 的返回值应答
func startFakePCPGateway(t *testing.T, respond func(request []byte) []byte) int {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("启动假 PCP 网关失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if reply := respond(buf[:n]); reply != nil {
				_, _ = conn.WriteToUDP(reply, addr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// successMapResponse 根据请求构造一个成功的 MAP 响应
func successMapResponse(request []byte, externalPort uint16, lifetime uint32) []byte {
	reply := make([]byte, pcpMapResponseMinLen)
	reply[0] = pcpVersion
	reply[1] = 0x80 | pcpOpMap
	reply[3] = pcpResultSuccess
	binary.BigEndian.PutUint32(reply[4:8], lifetime)
	copy(reply[24:36], request[24:36])
	copy(reply[36:40], request[36:40])
	copy(reply[40:42], request[40:42])
	binary.BigEndian.PutUint16(reply[42:44], externalPort)
	return reply
}

func testPCPNegotiator(gatewayPort int) *PCPNegotiator {
	p := NewPCP(testLogger())
	p.gatewayPort = gatewayPort
	p.timeout = 500 * time.Millisecond
	return p
}

func pcpTestRequest() *Request {
	preferred := uint16(51413)
	return &Request{
		InternalPort:          51413,
		PreferredExternalPort: &preferred,
		Protocol:              ProtocolTCP,
		Gateway:               net.IPv4(127, 0, 0, 1),
		LeaseSeconds:          3600,
	}
}

func TestPCPNegotiate(t *testing.T) {
	port := startFakePCPGateway(t, func(request []byte) []byte {
		return successMapResponse(request, 60001, 3600)
	})

	mapping, err := testPCPNegotiator(port).Negotiate(context.Background(), pcpTestRequest())
	if err != nil {
		t.Fatalf("PCP 协商失败: %v", err)
	}

	if mapping.ExternalPort != 60001 {
		t.Errorf("外部端口错误: 期望 60001，实际 %d", mapping.ExternalPort)
	}
	if mapping.InternalPort != 51413 {
		t.Errorf("内部端口错误: %d", mapping.InternalPort)
	}
	if mapping.Method != MethodPCP {
		t.Errorf("映射方法错误: %s", mapping.Method)
	}
	if mapping.Lease == nil || *mapping.Lease != 3600*time.Second {
		t.Errorf("租约时长错误: %v", mapping.Lease)
	}
}

func TestPCPNegotiate_UnsupportedVersion(t *testing.T) {
	port := startFakePCPGateway(t, func(request []byte) []byte {
		reply := successMapResponse(request, 0, 0)
		reply[3] = pcpResultUnsuppVer
		return reply
	})

	_, err := testPCPNegotiator(port).Negotiate(context.Background(), pcpTestRequest())
	if !errs.IsProtocolUnsupported(err) {
		t.Errorf("UNSUPP_VERSION 应返回协议不支持错误: %v", err)
	}
}

func TestPCPNegotiate_LegacyGatewayVersion(t *testing.T) {
	port := startFakePCPGateway(t, func(request []byte) []byte {
		reply := successMapResponse(request, 0, 0)
		// NAT-PMP 网关以版本 0 应答
		reply[0] = 0
		return reply
	})

	_, err := testPCPNegotiator(port).Negotiate(context.Background(), pcpTestRequest())
	if !errs.IsProtocolUnsupported(err) {
		t.Errorf("低版本响应应返回协议不支持错误: %v", err)
	}
}

func TestPCPNegotiate_NonceMismatch(t *testing.T) {
	port := startFakePCPGateway(t, func(request []byte) []byte {
		reply := successMapResponse(request, 60001, 3600)
		reply[24] ^= 0xff
		return reply
	})

	_, err := testPCPNegotiator(port).Negotiate(context.Background(), pcpTestRequest())
	if err == nil {
		t.Fatal("随机数不匹配的响应应当被拒绝")
	}
	if !errs.IsNegotiation(err) {
		t.Errorf("错误类别错误: %v", err)
	}
}

func TestPCPNegotiate_Timeout(t *testing.T) {
	port := startFakePCPGateway(t, func(request []byte) []byte {
		return nil
	})

	_, err := testPCPNegotiator(port).Negotiate(context.Background(), pcpTestRequest())
	if err == nil {
		t.Fatal("网关不应答时应超时失败")
	}
	if !errs.IsNegotiation(err) {
		t.Errorf("超时应返回协商错误: %v", err)
	}
}

func TestBuildMapRequest(t *testing.T) {
	req := pcpTestRequest()
	request, nonce, err := buildMapRequest(net.IPv4(192, 168, 1, 100), req)
	if err != nil {
		t.Fatalf("构造 MAP 请求失败: %v", err)
	}

	if len(request) != pcpRequestLen {
		t.Fatalf("请求长度错误: %d", len(request))
	}
	if request[0] != pcpVersion || request[1] != pcpOpMap {
		t.Errorf("请求头错误: version=%d opcode=%d", request[0], request[1])
	}
	if got := binary.BigEndian.Uint32(request[4:8]); got != 3600 {
		t.Errorf("租约请求时长错误: %d", got)
	}
	// IPv4 客户端地址写为映射形式
	if request[18] != 0xff || request[19] != 0xff {
		t.Error("IPv4 客户端地址未使用映射形式")
	}
	if request[36] != pcpProtocolNumberTCP {
		t.Errorf("协议号错误: %d", request[36])
	}
	if got := binary.BigEndian.Uint16(request[40:42]); got != 51413 {
		t.Errorf("内部端口错误: %d", got)
	}
	if got := binary.BigEndian.Uint16(request[42:44]); got != 51413 {
		t.Errorf("建议外部端口错误: %d", got)
	}

	var zero [12]byte
	if nonce == zero {
		t.Error("随机数不应全零")
	}
}
