package transaction

import (
	"bytes"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m/internal/metrics"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/internal/stack/blockwise"
)

var (
	ErrTimeout       = errors.New("transaction timeout")
	ErrReset         = errors.New("transaction reset by peer")
	ErrClosed        = errors.New("transaction table closed")
	ErrDupMessageID  = errors.New("message id duplicate")
	ErrBlockTransfer = errors.New("block transfer failed")
)

// Config 传输参数.
type Config struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	SeparateTimeout time.Duration
	BlockSize       uint32
	MaxPayload      int
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:      base.ACK_TIMEOUT,
		AckRandomFactor: base.ACK_RANDOM_FACTOR,
		MaxRetransmit:   base.MAX_RETRANSMIT,
		SeparateTimeout: base.SEPARATE_TIMEOUT,
		BlockSize:       base.DEFAULT_BLOCK_SIZE,
		MaxPayload:      base.MAX_BLOCK_PAYLOAD,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = def.AckRandomFactor
	}
	if c.MaxRetransmit < 0 {
		c.MaxRetransmit = def.MaxRetransmit
	}
	if c.SeparateTimeout <= 0 {
		c.SeparateTimeout = def.SeparateTimeout
	}
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	c.BlockSize = base.FixBlockSize(c.BlockSize)
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
}

// Sender 发送一个已编码的数据报.
type Sender interface {
	Send(peer net.Addr, data []byte) error
}

type SenderFunc func(peer net.Addr, data []byte) error

func (f SenderFunc) Send(peer net.Addr, data []byte) error {
	return f(peer, data)
}

type key struct {
	peer string
	mid  uint16
}

func peerName(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	return peer.String()
}

func keyOf(peer net.Addr, mid uint16) key {
	return key{peer: peerName(peer), mid: mid}
}

type Option func(*Table)

func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) {
		t.metrics = m
	}
}

// WithRand 指定计算 ACK 超时的随机源.
func WithRand(r *rand.Rand) Option {
	return func(t *Table) {
		if r != nil {
			t.rand = r
		}
	}
}

// Table 事务表, 负责确认消息的重传, 响应匹配以及客户端的分块传输.
//
// Table 不持有时钟和定时器, 由调用方通过 Step 驱动. 完成的事务以 Completion 返回,
// 调用方在释放自身状态之后再执行回调. 非并发安全.
type Table struct {
	cfg     Config
	sender  Sender
	nextMID func() uint16
	logger  *zap.Logger
	metrics *metrics.Metrics
	rand    *rand.Rand
	closed  bool
	trs     map[key]*Transaction
	blocks  *blockwise.Assembler[key]
}

// NewTable 创建事务表. nextMID 分配续传块和重启传输使用的消息ID.
func NewTable(cfg Config, s Sender, nextMID func() uint16, opts ...Option) *Table {
	cfg.fill()
	t := &Table{
		cfg:     cfg,
		sender:  s,
		nextMID: nextMID,
		logger:  zap.NewNop(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		trs:     make(map[key]*Transaction),
		blocks:  blockwise.NewAssembler[key](cfg.MaxPayload),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Config() Config {
	return t.cfg
}

func (t *Table) Len() int {
	return len(t.trs)
}

// SetPayload 设置事务的负载. 负载超过blockSize时以 Block1 分块发送, 首块携带 Size1.
func (t *Table) SetPayload(tr *Transaction, payload []byte, blockSize uint32) {
	if blockSize == 0 {
		blockSize = t.cfg.BlockSize
	}
	blockSize = base.FixBlockSize(blockSize)
	tr.payload = payload
	tr.blockSize = blockSize
	tr.Message.Options = tr.Message.Options.Without(base.Block1, base.Size1)
	if len(payload) <= int(blockSize) {
		tr.Message.Payload = payload
		return
	}
	opt, chunk, _ := base.BlockBuffer(payload).Read(0, blockSize)
	tr.Message.SetBlock1(opt)
	tr.Message.SetSize1(uint32(len(payload)))
	tr.Message.Payload = chunk
}

// Send 发送事务的消息并登记事务. 首次发送失败时返回错误, 事务不登记, 回调不会被执行.
func (t *Table) Send(now time.Time, tr *Transaction) error {
	if t.closed {
		return ErrClosed
	}
	k := keyOf(tr.Peer, tr.Message.MessageID)
	if _, ok := t.trs[k]; ok {
		return ErrDupMessageID
	}
	if tr.payload == nil && len(tr.Message.Payload) > int(t.cfg.BlockSize) && base.IsRequest(tr.Message.Code) {
		t.SetPayload(tr, tr.Message.Payload, t.cfg.BlockSize)
	}
	data, err := tr.Message.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	tr.data = data
	tr.counter = 0
	tr.acked = false
	if err = t.transmit(now, tr); err != nil {
		return err
	}
	t.trs[k] = tr
	t.metrics.SetPending(len(t.trs))
	return nil
}

func (t *Table) transmit(now time.Time, tr *Transaction) error {
	if tr.counter == 0 {
		if tr.Message.Type == base.CON {
			tr.timeout = t.randAckTimeout()
		} else {
			tr.timeout = t.nonTimeout()
		}
	} else {
		tr.timeout *= 2
	}
	tr.counter++
	tr.deadline = now.Add(tr.timeout)
	t.metrics.Sent(tr.Message)
	return t.sender.Send(tr.Peer, tr.data)
}

func (t *Table) randAckTimeout() time.Duration {
	factor := t.cfg.AckRandomFactor - 1
	if factor < 0 {
		factor = 0
	}
	return t.cfg.AckTimeout + time.Duration(t.rand.Float64()*factor*float64(t.cfg.AckTimeout))
}

// nonTimeout 非确认请求等待响应的时长, 与确认请求的最长等待时间相同.
func (t *Table) nonTimeout() time.Duration {
	n := (1 << uint(t.cfg.MaxRetransmit+1)) - 1
	return time.Duration(float64(t.cfg.AckTimeout) * float64(n) * t.cfg.AckRandomFactor)
}

// Step 重传到期的事务并结束超时的事务. 返回距下一个到期时间的时长, 无事务时为0.
//
// 每个确认消息最多发送 1+MaxRetransmit 次, 超时只报告一次.
func (t *Table) Step(now time.Time) (time.Duration, []Completion) {
	var done []Completion
	for k, tr := range t.trs {
		if now.Before(tr.deadline) {
			continue
		}
		if tr.acked || tr.Message.Type != base.CON || tr.counter > t.cfg.MaxRetransmit {
			t.remove(k)
			t.logger.Info("transaction timeout",
				zap.String("peer", peerName(tr.Peer)),
				zap.Stringer("message", tr.Message),
				zap.Int("transmissions", tr.counter))
			done = append(done, t.complete(tr, nil, ErrTimeout, "timeout"))
			continue
		}
		if err := t.transmit(now, tr); err != nil {
			t.logger.Warn("retransmit", zap.String("peer", peerName(tr.Peer)), zap.Error(err))
		} else {
			t.logger.Debug("retransmit",
				zap.String("peer", peerName(tr.Peer)),
				zap.Stringer("message", tr.Message),
				zap.Duration("timeout", tr.timeout))
		}
		t.metrics.Retransmit()
	}
	return t.Next(now), done
}

// Next 返回距最近的事务到期时间的时长, 无事务时为0.
func (t *Table) Next(now time.Time) time.Duration {
	var next time.Duration
	for _, tr := range t.trs {
		d := tr.deadline.Sub(now)
		if d <= 0 {
			d = time.Nanosecond
		}
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

// HandleResponse 将收到的 ACK, RST 或响应与事务匹配.
//
// ACK/RST 按 (对端, MID) 匹配; 请求带 token 时捎带响应还需 token 一致.
// 独立响应(CON/NON)按 (对端, token) 匹配. 确认的独立响应由调用方回复空ACK.
func (t *Table) HandleResponse(now time.Time, peer net.Addr, m base.Message) (bool, []Completion) {
	switch m.Type {
	case base.ACK, base.RST:
		k := keyOf(peer, m.MessageID)
		tr, ok := t.trs[k]
		if !ok {
			return false, nil
		}
		if m.Type == base.RST {
			t.remove(k)
			return true, []Completion{t.complete(tr, nil, ErrReset, "reset")}
		}
		if m.Code == 0 {
			if !base.IsRequest(tr.Message.Code) {
				t.remove(k)
				return true, []Completion{t.complete(tr, nil, nil, "ok")}
			}
			if !tr.acked {
				tr.acked = true
				tr.deadline = now.Add(t.cfg.SeparateTimeout)
			}
			return true, nil
		}
		if len(tr.Message.Token) > 0 && tr.Message.Token != m.Token {
			return false, nil
		}
		return true, t.finish(now, k, tr, m)

	case base.CON, base.NON:
		if !base.IsResponse(m.Code) || len(m.Token) <= 0 {
			return false, nil
		}
		pk := peerName(peer)
		for k, tr := range t.trs {
			if k.peer == pk && tr.Message.Token == m.Token && base.IsRequest(tr.Message.Code) {
				return true, t.finish(now, k, tr, m)
			}
		}
	}
	return false, nil
}

func (t *Table) finish(now time.Time, k key, tr *Transaction, m base.Message) []Completion {
	switch m.Code {
	case base.Unauthorized:
		if tr.Message.Type == base.CON && tr.counter <= t.cfg.MaxRetransmit {
			// 重新等待, 到期后重传
			tr.acked = false
			tr.deadline = now.Add(tr.timeout)
			return nil
		}
	case base.Continue:
		if done, ok := t.continueBlock1(now, k, tr, m); ok {
			return done
		}
	case base.RequestEntityTooLarge:
		if done, ok := t.restartBlock1(now, k, tr, m); ok {
			return done
		}
	}
	if opt, ok := m.Block2(); ok && base.IsSuccess(m.Code) && (opt.Num > 0 || opt.More) {
		return t.continueBlock2(now, k, tr, m, opt)
	}

	t.remove(k)
	resp := m
	resp.Detach()
	return []Completion{t.complete(tr, &resp, nil, "ok")}
}

// continueBlock1 以新MID发送下一个 Block1 块. 对端建议更小的块大小时改用对端的大小.
func (t *Table) continueBlock1(now time.Time, k key, tr *Transaction, m base.Message) ([]Completion, bool) {
	cur, ok := tr.Message.Block1()
	if !ok || !cur.More || tr.payload == nil {
		return nil, false
	}
	size := cur.Size
	if opt, ok := m.Block1(); ok && opt.Size < size && base.ValidBlockSize(opt.Size) {
		size = opt.Size
	}
	offset := uint32(cur.Offset()) + cur.Size
	opt, chunk, err := base.BlockBuffer(tr.payload).Read(offset/size, size)
	if err != nil {
		return nil, false
	}

	next := tr.Message
	next.MessageID = t.nextMID()
	next.SetBlock1(opt)
	next.Payload = chunk
	t.metrics.BlockTransfer("block1", "continue")
	return t.resend(now, k, tr, next), true
}

// restartBlock1 对端以 4.13 拒绝后, 以对端建议的块大小从第0块重新发送.
func (t *Table) restartBlock1(now time.Time, k key, tr *Transaction, m base.Message) ([]Completion, bool) {
	payload := tr.payload
	if payload == nil {
		payload = tr.Message.Payload
	}
	if len(payload) <= 0 {
		return nil, false
	}
	size := t.cfg.BlockSize
	if opt, ok := m.Block1(); ok && base.ValidBlockSize(opt.Size) {
		size = opt.Size
	}
	if cur, ok := tr.Message.Block1(); ok {
		if cur.Size <= size {
			return nil, false
		}
	} else if len(payload) <= int(size) {
		return nil, false
	}

	next := &Transaction{
		Peer:     tr.Peer,
		Message:  tr.Message,
		Handler:  tr.Handler,
		UserData: tr.UserData,
	}
	next.Message.MessageID = t.nextMID()
	next.Message.Options = tr.Message.Options.Without(base.Block1, base.Block2, base.Size1)
	t.SetPayload(next, payload, size)

	t.remove(k)
	t.metrics.BlockTransfer("block1", "restart")
	if err := t.Send(now, next); err != nil {
		return []Completion{t.complete(tr, nil, err, "error")}, true
	}
	return nil, true
}

// continueBlock2 重组 Block2 响应, 以新MID请求下一块, 最后一块到达时以完整负载结束事务.
func (t *Table) continueBlock2(now time.Time, k key, tr *Transaction, m base.Message, opt base.BlockOption) []Completion {
	if etag, ok := m.ETag(); ok {
		if tr.etag != nil && !bytes.Equal(tr.etag, etag) {
			t.remove(k)
			t.metrics.BlockTransfer("block2", "etag_mismatch")
			return []Completion{t.complete(tr, nil, errors.Wrap(ErrBlockTransfer, "etag changed"), "error")}
		}
		tr.etag = append([]byte(nil), etag...)
	}

	res := t.blocks.Handle(now, k, opt, m.Payload)
	switch res.Status {
	case blockwise.Continue:
		next := tr.Message
		next.MessageID = t.nextMID()
		next.Options = tr.Message.Options.Without(base.Block1, base.Block2, base.Size1)
		next.SetBlock2(base.BlockOption{Num: opt.Num + 1, Size: opt.Size})
		next.Payload = nil
		t.blocks.Rekey(k, keyOf(tr.Peer, next.MessageID))
		t.metrics.BlockTransfer("block2", "continue")
		return t.resend(now, k, tr, next)

	case blockwise.Complete:
		resp := m
		resp.Detach()
		resp.Options = resp.Options.Without(base.Block2)
		resp.Payload = append([]byte(nil), res.Payload...)
		t.remove(k)
		t.metrics.BlockTransfer("block2", "complete")
		return []Completion{t.complete(tr, &resp, nil, "ok")}

	case blockwise.Retransmission:
		return nil

	default:
		t.remove(k)
		t.metrics.BlockTransfer("block2", res.Status.String())
		return []Completion{t.complete(tr, nil, errors.Wrap(ErrBlockTransfer, res.Status.String()), "error")}
	}
}

// resend 以新消息替换事务, 回调和用户数据随之转移.
func (t *Table) resend(now time.Time, k key, tr *Transaction, next base.Message) []Completion {
	t.remove(k)
	ntr := &Transaction{
		Peer:      tr.Peer,
		Message:   next,
		Handler:   tr.Handler,
		UserData:  tr.UserData,
		payload:   tr.payload,
		blockSize: tr.blockSize,
		etag:      tr.etag,
	}
	if err := t.Send(now, ntr); err != nil {
		t.blocks.Delete(keyOf(ntr.Peer, next.MessageID))
		return []Completion{t.complete(tr, nil, err, "error")}
	}
	return nil
}

func (t *Table) remove(k key) {
	delete(t.trs, k)
	t.blocks.Delete(k)
	t.metrics.SetPending(len(t.trs))
}

func (t *Table) complete(tr *Transaction, resp *base.Message, err error, outcome string) Completion {
	t.metrics.TransactionDone(outcome)
	return Completion{Transaction: tr, Response: resp, Err: err}
}

// Remove 取消事务, 不产生 Completion.
func (t *Table) Remove(tr *Transaction) bool {
	k := keyOf(tr.Peer, tr.Message.MessageID)
	if cur, ok := t.trs[k]; ok && cur == tr {
		t.remove(k)
		return true
	}
	return false
}

// RemovePeer 结束与peer的全部事务, 每个事务以 ErrClosed 完成一次.
func (t *Table) RemovePeer(peer net.Addr) []Completion {
	pk := peerName(peer)
	var done []Completion
	for k, tr := range t.trs {
		if k.peer == pk {
			t.remove(k)
			done = append(done, t.complete(tr, nil, ErrClosed, "closed"))
		}
	}
	return done
}

// Close 结束全部事务, 此后 Send 返回 ErrClosed.
func (t *Table) Close() []Completion {
	t.closed = true
	var done []Completion
	for k, tr := range t.trs {
		t.remove(k)
		done = append(done, t.complete(tr, nil, ErrClosed, "closed"))
	}
	return done
}
