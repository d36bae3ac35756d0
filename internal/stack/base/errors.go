package base

import (
	"errors"
	"fmt"
)

var (
	ErrTokenTooLong   = errors.New("token too long")
	ErrShortBuffer    = errors.New("short buffer")
	ErrInvalidBlockSZ = errors.New("invalid block size")
	ErrBlockNumRange  = errors.New("block number out of range")
)

// MessageFormatError 消息格式错误, 收到此类消息时CON请求回复RST, 其余丢弃.
type MessageFormatError interface {
	error
	FormatError() bool
}

// BadOptionsError 无法识别关键选项, CON请求回复 4.02.
type BadOptionsError interface {
	error
	BadOptions() bool
}

type formatError struct {
	reason string
}

func (e formatError) Error() string     { return "message format error: " + e.reason }
func (e formatError) FormatError() bool { return true }

type badOptionError struct {
	id     uint16
	reason string
}

func (e badOptionError) Error() string {
	return fmt.Sprintf("bad option %s: %s", OptionName(e.id), e.reason)
}

func (e badOptionError) BadOptions() bool { return true }

func errFormat(format string, a ...interface{}) error {
	return formatError{reason: fmt.Sprintf(format, a...)}
}

// IsFormatError 报告err是否为消息格式错误.
func IsFormatError(err error) bool {
	var e MessageFormatError
	return errors.As(err, &e) && e.FormatError()
}

// IsBadOptions 报告err是否为关键选项错误.
func IsBadOptions(err error) bool {
	var e BadOptionsError
	return errors.As(err, &e) && e.BadOptions()
}

// ErrorCode 返回解析错误对应的响应码.
func ErrorCode(err error) uint8 {
	switch {
	case err == nil:
		return 0
	case IsBadOptions(err):
		return BadOption
	case IsFormatError(err):
		return BadRequest
	default:
		return InternalServerError
	}
}
