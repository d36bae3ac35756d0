// Package coaptest provides utilities for testing handlers and protocol contexts.
package coaptest

import (
	"bytes"
	"net"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// ResponseRecorder 记录 handler 写入的响应
type ResponseRecorder struct {
	Acked       bool
	Confirmable bool
	Code        lwm2m.Code
	Header      lwm2m.Options
	Body        bytes.Buffer
}

func NewRecorder() *ResponseRecorder {
	return &ResponseRecorder{
		Code:   lwm2m.Content,
		Header: make(lwm2m.Options, 0),
	}
}

func (rw *ResponseRecorder) Ack() {
	rw.Acked = true
}

func (rw *ResponseRecorder) SetConfirmable() {
	rw.Confirmable = true
}

func (rw *ResponseRecorder) Options() *lwm2m.Options {
	return &rw.Header
}

func (rw *ResponseRecorder) WriteCode(code lwm2m.Code) {
	rw.Code = code
}

func (rw *ResponseRecorder) Write(buf []byte) (int, error) {
	return rw.Body.Write(buf)
}

// Addr 测试用的对端地址
type Addr string

func (a Addr) Network() string { return "udp" }
func (a Addr) String() string  { return string(a) }

// Datagram 发送的数据报
type Datagram struct {
	Peer    net.Addr
	Data    []byte
	Message base.Message
	Err     error
}

// Sender 记录发送的数据报. Err 非nil时 Send 返回该错误且不记录.
type Sender struct {
	Err  error
	Sent []Datagram
}

func (s *Sender) Send(peer net.Addr, data []byte) error {
	if s.Err != nil {
		return s.Err
	}
	d := Datagram{Peer: peer, Data: append([]byte(nil), data...)}
	d.Err = d.Message.Unmarshal(d.Data)
	s.Sent = append(s.Sent, d)
	return nil
}

// Messages 返回发送的消息.
func (s *Sender) Messages() []base.Message {
	ms := make([]base.Message, len(s.Sent))
	for i, d := range s.Sent {
		ms[i] = d.Message
	}
	return ms
}

// Last 返回最后发送的消息.
func (s *Sender) Last() (base.Message, bool) {
	if len(s.Sent) == 0 {
		return base.Message{}, false
	}
	return s.Sent[len(s.Sent)-1].Message, true
}

// Reset 清空记录.
func (s *Sender) Reset() {
	s.Sent = nil
}
