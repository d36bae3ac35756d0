package lwm2m

import (
	"crypto/rand"
	mrand "math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ironzhang/lwm2m/internal/metrics"
	"github.com/ironzhang/lwm2m/internal/observe"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/internal/stack/blockwise"
	"github.com/ironzhang/lwm2m/internal/stack/deduplication"
	"github.com/ironzhang/lwm2m/internal/stack/transaction"
)

const tokenLen = 4

var (
	ErrClosed    = transaction.ErrClosed
	ErrTimeout   = transaction.ErrTimeout
	ErrReset     = transaction.ErrReset
	ErrNilSender = errors.New("sender is nil")
)

// Sender 发送一个数据报. data 在调用返回后可能被复用.
type Sender interface {
	Send(peer net.Addr, data []byte) error
}

type SenderFunc func(peer net.Addr, data []byte) error

func (f SenderFunc) Send(peer net.Addr, data []byte) error {
	return f(peer, data)
}

// Handler 响应COAP请求的接口
type Handler interface {
	ServeCOAP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeCOAP(w ResponseWriter, r *Request) {
	f(w, r)
}

// Observer 观察者接口, 接收没有对应事务的通知
type Observer interface {
	ServeObserve(*Response)
}

type ObserverFunc func(*Response)

func (f ObserverFunc) ServeObserve(r *Response) {
	f(r)
}

// Option 配置 Context
type Option func(*Context)

func WithObserver(o Observer) Option {
	return func(c *Context) {
		c.observer = o
	}
}

// WithReader 设置读取资源当前值的接口, 用于发送通知.
func WithReader(r Reader) Option {
	return func(c *Context) {
		c.reader = r
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegisterer 在reg上注册协议指标.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Context) {
		c.metrics = metrics.New(reg, "lwm2m")
	}
}

// WithLocalAddr 设置本地地址, 请求缺少 Uri-Host/Uri-Port 时用于还原URL.
func WithLocalAddr(addr net.Addr) Option {
	return func(c *Context) {
		c.local = addr
	}
}

// WithSeed 固定消息ID和随机退避的种子.
func WithSeed(seed int64) Option {
	return func(c *Context) {
		c.rand = mrand.New(mrand.NewSource(seed))
	}
}

type blockKey struct {
	peer string
	uri  string
}

// Context 协议上下文, 持有一个端点的全部协议状态.
//
// Context 不启动协程也不读取时钟: 宿主以当前时间调用 HandlePacket, Step 和 SendRequest,
// 并在 Step 返回的时长之后再次调用 Step. 非并发安全, 宿主需要串行调用.
type Context struct {
	cfg      Config
	sender   Sender
	handler  Handler
	observer Observer
	reader   Reader
	logger   *zap.Logger
	metrics  *metrics.Metrics
	local    net.Addr
	rand     *mrand.Rand
	limiter  *rate.Limiter
	mid      uint16
	now      time.Time
	closed   bool

	table   *transaction.Table
	dedup   *deduplication.Filter
	block1  *blockwise.Assembler[blockKey]
	block2  *blockwise.Store[blockKey]
	observe *observe.Engine
}

// New 创建协议上下文. h 为nil时收到的请求以RST拒绝.
func New(cfg Config, s Sender, h Handler, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNilSender
	}
	c := &Context{
		cfg:     cfg,
		sender:  s,
		handler: h,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rand == nil {
		c.rand = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	c.mid = uint16(c.rand.Intn(0x10000))
	if cfg.Observe.NotifyRate > 0 {
		burst := cfg.Observe.NotifyBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Observe.NotifyRate), burst)
	}

	c.table = transaction.NewTable(cfg.transaction(), s, c.NextMessageID,
		transaction.WithLogger(c.logger),
		transaction.WithMetrics(c.metrics),
		transaction.WithRand(c.rand))
	c.dedup = deduplication.NewFilter()
	c.dedup.ExchangeLifetime = cfg.ExchangeLifetime
	c.dedup.NonLifetime = cfg.NonLifetime
	c.block1 = blockwise.NewAssembler[blockKey](cfg.MaxPayload)
	c.block2 = blockwise.NewStore[blockKey](cfg.BlockMaxAge)
	c.observe = observe.NewEngine(c.reader, observe.NotifierFunc(c.notify),
		observe.WithLogger(c.logger),
		observe.WithMetrics(c.metrics))
	return c, nil
}

func (c *Context) Config() Config {
	return c.cfg
}

// NextMessageID 分配消息ID.
func (c *Context) NextMessageID() uint16 {
	c.mid++
	return c.mid
}

func (c *Context) newToken() string {
	b := make([]byte, tokenLen)
	if _, err := rand.Read(b); err != nil {
		c.rand.Read(b)
	}
	return string(b)
}

// Pending 返回进行中的事务数.
func (c *Context) Pending() int {
	return c.table.Len()
}

// Step 执行到期的重传, 超时, 状态回收和通知, 返回距下一次需要调用 Step 的时长(0 表示无待办).
func (c *Context) Step(now time.Time) time.Duration {
	c.now = now
	if c.closed {
		return 0
	}

	_, done := c.table.Step(now)
	transaction.Run(done)

	_, dedupNext := c.dedup.Step(now)
	if n := c.block1.Sweep(now, c.cfg.BlockMaxAge); n > 0 {
		c.logger.Info("block1 transfers expired", zap.Int("count", n))
		c.metrics.BlockTransfer("block1", "expired")
	}
	_, blockNext := c.block2.Sweep(now)
	observeNext := c.observe.Tick(now)

	next := minDuration(c.table.Next(now), dedupNext, blockNext, observeNext)
	if c.block1.Len() > 0 {
		next = minDuration(next, c.cfg.BlockMaxAge)
	}
	return next
}

// minDuration 返回非零时长中的最小值.
func minDuration(ds ...time.Duration) time.Duration {
	var m time.Duration
	for _, d := range ds {
		if d > 0 && (m == 0 || d < m) {
			m = d
		}
	}
	return m
}

// SendRequest 发送请求. fn 在收到响应, 超时或被重置时调用一次; 发送失败时返回错误且不调用fn.
//
// 负载超过块大小时以 Block1 分块发送, 分块的 Block2 响应在全部收到后才交给fn.
func (c *Context) SendRequest(now time.Time, peer net.Addr, req *Request, fn func(*Response, error)) error {
	c.now = now
	if c.closed {
		return ErrClosed
	}
	token := req.Token
	if token == "" {
		token = c.newToken()
	}
	m := req.message(c.NextMessageID(), token)
	tr := transaction.New(peer, m, func(tr *transaction.Transaction, resp *base.Message, err error) {
		if fn == nil {
			return
		}
		if err != nil {
			fn(nil, err)
			return
		}
		fn(newResponse(tr.Peer, *resp), nil)
	})
	if err := c.table.Send(now, tr); err != nil {
		return err
	}
	c.logger.Debug("send request", zap.String("peer", peer.String()), zap.Stringer("message", tr.Message))
	return nil
}

// RemovePeer 清除与peer有关的全部状态, 进行中的事务以 ErrClosed 结束.
func (c *Context) RemovePeer(peer net.Addr) {
	done := c.table.RemovePeer(peer)
	name := peer.String()
	c.dedup.RemovePeer(peer)
	c.block1.DeleteIf(func(k blockKey) bool { return k.peer == name })
	c.block2.RemoveIf(func(k blockKey) bool { return k.peer == name })
	n := c.observe.RemovePeer(peer)
	c.logger.Info("remove peer", zap.String("peer", name), zap.Int("transactions", len(done)), zap.Int("watchers", n))
	transaction.Run(done)
}

// Close 结束全部事务. 之后 HandlePacket 和 Step 不再做任何处理.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	transaction.Run(c.table.Close())
}

func (c *Context) send(peer net.Addr, m base.Message) error {
	data, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	if m.Type == base.ACK || m.Type == base.RST {
		// 保存对CON的回复, 重复的CON直接重发
		c.dedup.SaveReply(c.now, peer, m, data)
	}
	c.metrics.Sent(m)
	c.logger.Debug("send", zap.String("peer", peer.String()), zap.Stringer("message", m))
	return c.sender.Send(peer, data)
}

func (c *Context) sendEmpty(peer net.Addr, typ uint8, mid uint16) {
	if err := c.send(peer, base.Message{Type: typ, MessageID: mid}); err != nil {
		c.logger.Warn("send empty message", zap.String("peer", peer.String()), zap.String("type", base.TypeName(typ)), zap.Error(err))
	}
}

// reply 以code回复请求req: CON请求捎带在ACK中, NON请求以新的NON回复.
func (c *Context) reply(peer net.Addr, req base.Message, code uint8, build func(*base.Message)) {
	m := base.Message{Code: code, Token: req.Token}
	if req.Type == base.CON {
		m.Type = base.ACK
		m.MessageID = req.MessageID
	} else {
		m.Type = base.NON
		m.MessageID = c.NextMessageID()
	}
	if build != nil {
		build(&m)
	}
	if err := c.send(peer, m); err != nil {
		c.logger.Warn("send reply", zap.String("peer", peer.String()), zap.Stringer("message", m), zap.Error(err))
	}
}
