package errs

import (
	"errors"
	"fmt"
)

// ExitCode 进程退出码
type ExitCode int

const (
	// ExitSuccess 同步成功
	ExitSuccess ExitCode = 0
	// ExitTransient 瞬时失败（网络、协商、应用失败）
	ExitTransient ExitCode = 1
	// ExitConfig 配置错误
	ExitConfig ExitCode = 2
	// ExitUnsupported 当前平台或网关不支持
	ExitUnsupported ExitCode = 3
)

// ConfigError 配置错误：缺失或非法的配置，永不重试
type ConfigError struct {
	msg string
	err error
}

func (e *ConfigError) Error() string { return e.msg }

func (e *ConfigError) Unwrap() error { return e.err }

// Configf 构造配置错误
func Configf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...), err: wrapped(args)}
}

// UnsupportedError 当前平台不支持请求的功能
type UnsupportedError struct {
	msg string
}

func (e *UnsupportedError) Error() string { return e.msg }

// Unsupportedf 构造平台不支持错误
func Unsupportedf(format string, args ...interface{}) error {
	return &UnsupportedError{msg: fmt.Sprintf(format, args...)}
}

// ProtocolUnsupportedError 网关不支持所用协议，回退链收到后尝试下一个协商器
type ProtocolUnsupportedError struct {
	msg string
}

func (e *ProtocolUnsupportedError) Error() string { return e.msg }

// ProtocolUnsupportedf 构造协议不支持错误
func ProtocolUnsupportedf(format string, args ...interface{}) error {
	return &ProtocolUnsupportedError{msg: fmt.Sprintf(format, args...)}
}

// NegotiationError 一次端口映射协商失败（瞬时，下个周期重试）
type NegotiationError struct {
	msg string
	err error
}

func (e *NegotiationError) Error() string { return e.msg }

func (e *NegotiationError) Unwrap() error { return e.err }

// Negotiationf 构造协商失败错误
func Negotiationf(format string, args ...interface{}) error {
	return &NegotiationError{msg: fmt.Sprintf(format, args...), err: wrapped(args)}
}

// ApplyError 将端口应用到客户端失败（瞬时，下个周期重试）
type ApplyError struct {
	msg string
	err error
}

func (e *ApplyError) Error() string { return e.msg }

func (e *ApplyError) Unwrap() error { return e.err }

// Applyf 构造应用失败错误
func Applyf(format string, args ...interface{}) error {
	return &ApplyError{msg: fmt.Sprintf(format, args...), err: wrapped(args)}
}

// AuthError 客户端认证被拒绝：本次运行内致命，守护进程不会用同样的凭据反复重试
type AuthError struct {
	msg string
}

func (e *AuthError) Error() string { return e.msg }

// Authf 构造认证失败错误
func Authf(format string, args ...interface{}) error {
	return &AuthError{msg: fmt.Sprintf(format, args...)}
}

// IsConfig 判断是否为配置错误
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsUnsupported 判断是否为平台不支持错误
func IsUnsupported(err error) bool {
	var target *UnsupportedError
	return errors.As(err, &target)
}

// IsProtocolUnsupported 判断是否为协议不支持错误
func IsProtocolUnsupported(err error) bool {
	var target *ProtocolUnsupportedError
	return errors.As(err, &target)
}

// IsNegotiation 判断是否为协商失败错误
func IsNegotiation(err error) bool {
	var target *NegotiationError
	return errors.As(err, &target)
}

// IsAuth 判断是否为认证失败错误
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// Classify 将错误映射为进程退出码
func Classify(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	if IsConfig(err) {
		return ExitConfig
	}
	if IsUnsupported(err) || IsProtocolUnsupported(err) {
		return ExitUnsupported
	}
	return ExitTransient
}

// wrapped 从格式化参数中提取最后一个 error，保留错误链
func wrapped(args []interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err, ok := args[len(args)-1].(error); ok {
		return err
	}
	return nil
}
