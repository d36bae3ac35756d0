// Package transaction implements confirmable message retransmission, response
// matching and client side block-wise transfers.
package transaction

import (
	"fmt"
	"net"
	"time"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Handler 事务完成回调. resp 为nil时err非nil.
type Handler func(tr *Transaction, resp *base.Message, err error)

// Transaction 一个等待响应的请求, 或一个等待确认的确认响应(如通知).
type Transaction struct {
	Peer     net.Addr
	Message  base.Message
	Handler  Handler
	UserData interface{}

	payload   []byte
	blockSize uint32
	data      []byte
	counter   int
	timeout   time.Duration
	deadline  time.Time
	acked     bool
	etag      []byte
}

func New(peer net.Addr, m base.Message, h Handler) *Transaction {
	return &Transaction{Peer: peer, Message: m, Handler: h}
}

// Transmissions 返回已发送次数.
func (tr *Transaction) Transmissions() int {
	return tr.counter
}

func (tr *Transaction) Deadline() time.Time {
	return tr.deadline
}

// Acknowledged 报告是否已收到空ACK, 正在等待独立响应.
func (tr *Transaction) Acknowledged() bool {
	return tr.acked
}

func (tr *Transaction) String() string {
	return fmt.Sprintf("%s[%s]", peerName(tr.Peer), tr.Message)
}

// Completion 已结束的事务. 表状态更新完毕后再调用 Run, 回调中可以安全地访问事务表.
//
// 分块传输中事务会被替换, Transaction 为最后一个.
type Completion struct {
	Transaction *Transaction
	Response    *base.Message
	Err         error
}

func (c Completion) Run() {
	if c.Transaction != nil && c.Transaction.Handler != nil {
		c.Transaction.Handler(c.Transaction, c.Response, c.Err)
	}
}

// Run 依次执行 Completion.
func Run(done []Completion) {
	for _, c := range done {
		c.Run()
	}
}
