package lwm2m

import (
	"bytes"
	"net"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Response COAP响应, 客户端使用
type Response struct {
	Ack        bool
	Status     Code
	Options    Options
	Token      string
	Payload    []byte
	RemoteAddr net.Addr
	MessageID  uint16
}

func newResponse(peer net.Addr, m base.Message) *Response {
	m.Detach()
	return &Response{
		Ack:        m.Type == base.ACK,
		Status:     Code(m.Code),
		Options:    Options(m.Options),
		Token:      m.Token,
		Payload:    m.Payload,
		RemoteAddr: peer,
		MessageID:  m.MessageID,
	}
}

// Observe 返回通知的序号.
func (r *Response) Observe() (uint32, bool) {
	return base.Options(r.Options).Uint(base.Observe)
}

// ResponseWriter 用于构造COAP响应
type ResponseWriter interface {
	// Ack 回复空ACK, 之后的响应作为单独响应发送. 只对可靠请求有效.
	Ack()

	// SetConfirmable 设置响应为可靠消息, 作为单独响应或处理非可靠消息时生效
	SetConfirmable()

	// Options 返回Options
	Options() *Options

	// WriteCode 写入响应状态码, 默认为Content
	WriteCode(Code)

	// Write 写入payload
	Write([]byte) (int, error)
}

// response 实现了ResponseWriter接口
type response struct {
	ctx         *Context
	peer        net.Addr
	confirmable bool
	messageID   uint16
	token       string
	code        Code
	options     Options
	buffer      bytes.Buffer
	acked       bool
	needAck     bool
}

func (r *response) Ack() {
	if r.needAck && !r.acked {
		r.acked = true
		r.ctx.sendEmpty(r.peer, base.ACK, r.messageID)
	}
}

func (r *response) SetConfirmable() {
	r.confirmable = true
}

func (r *response) Options() *Options {
	return &r.options
}

func (r *response) WriteCode(code Code) {
	r.code = code
}

func (r *response) Write(p []byte) (int, error) {
	return r.buffer.Write(p)
}

// message 构造响应消息: 可靠请求未回复空ACK时为捎带响应, 否则为单独响应.
func (r *response) message() base.Message {
	m := base.Message{
		Code:    uint8(r.code),
		Token:   r.token,
		Options: base.Options(r.options),
		Payload: r.buffer.Bytes(),
	}
	switch {
	case r.needAck && !r.acked:
		m.Type = base.ACK
		m.MessageID = r.messageID
	case r.confirmable:
		m.Type = base.CON
		m.MessageID = r.ctx.NextMessageID()
	default:
		m.Type = base.NON
		m.MessageID = r.ctx.NextMessageID()
	}
	return m
}
