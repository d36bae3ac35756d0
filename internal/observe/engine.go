// Package observe keeps the observation state of a device and decides when a
// notification is sent, according to the notification attributes of each
// observer.
package observe

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m/internal/metrics"
)

// 通知计数器为24位
const counterMask = 0xFFFFFF

var (
	ErrRateLimited = errors.New("notification rate limited")
	ErrNoReader    = errors.New("no resource reader")
)

// Reader 读取资源的当前表示. value 为资源的值, 供门限比较.
type Reader interface {
	Read(uri string, format uint32) (payload []byte, contentFormat uint32, value Value, err error)
}

type ReaderFunc func(uri string, format uint32) ([]byte, uint32, Value, error)

func (f ReaderFunc) Read(uri string, format uint32) ([]byte, uint32, Value, error) {
	return f(uri, format)
}

// Notification 待发送的通知.
type Notification struct {
	Watcher *Watcher
	Counter uint32
	Format  uint32
	Payload []byte
}

// Notifier 发送通知并返回使用的MID.
// 被限流时返回 RateLimitError, 通知保持待发送.
type Notifier interface {
	Notify(n Notification) (uint16, error)
}

type NotifierFunc func(n Notification) (uint16, error)

func (f NotifierFunc) Notify(n Notification) (uint16, error) {
	return f(n)
}

// RateLimitError 通知被限流, Delay 后可以重试.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Watcher 一个对端对一个资源的观察.
type Watcher struct {
	URI     string
	Peer    net.Addr
	Token   string
	Format  uint32
	Active  bool
	Update  bool
	Counter uint32
	LastMID uint16

	lastTime  time.Time
	lastValue Value
}

func (w *Watcher) LastTime() time.Time {
	return w.lastTime
}

// LastValue 返回上次通知的数值.
func (w *Watcher) LastValue() (Value, bool) {
	return w.lastValue, w.lastValue != nil
}

// observed 同一资源的观察者.
type observed struct {
	uri      string
	segs     []string
	watchers []*Watcher
}

func (o *observed) find(peer string) (int, *Watcher) {
	for i, w := range o.watchers {
		if peerName(w.Peer) == peer {
			return i, w
		}
	}
	return -1, nil
}

func (o *observed) remove(i int) {
	o.watchers = append(o.watchers[:i:i], o.watchers[i+1:]...)
}

type attrKey struct {
	uri  string
	peer string
}

type reading struct {
	payload []byte
	format  uint32
	value   Value
	err     error
}

type cacheKey struct {
	uri    string
	format uint32
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine 观察引擎. 由调用方通过 Tick 驱动, 非并发安全.
type Engine struct {
	reader   Reader
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	groups   map[string]*observed
	attrs    map[attrKey]Attributes
}

func NewEngine(r Reader, n Notifier, opts ...Option) *Engine {
	e := &Engine{
		reader:   r,
		notifier: n,
		logger:   zap.NewNop(),
		groups:   make(map[string]*observed),
		attrs:    make(map[attrKey]Attributes),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func peerName(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	return peer.String()
}

func segments(uri string) []string {
	var segs []string
	for _, s := range strings.Split(uri, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Normalize 将URI规范为 "/a/b/c" 形式.
func Normalize(uri string) string {
	return "/" + strings.Join(segments(uri), "/")
}

func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Subscribe 创建或复用对端对uri的观察, 记录单个数值资源的当前值作为门限比较的基准.
// 已存在的观察更新 token 和格式, 计数器加一.
func (e *Engine) Subscribe(uri string, peer net.Addr, token string, format uint32, now time.Time) *Watcher {
	uri = Normalize(uri)
	g, ok := e.groups[uri]
	if !ok {
		g = &observed{uri: uri, segs: segments(uri)}
		e.groups[uri] = g
	}
	_, w := g.find(peerName(peer))
	if w == nil {
		w = &Watcher{URI: uri, Peer: peer}
		g.watchers = append(g.watchers, w)
	} else {
		w.Counter = (w.Counter + 1) & counterMask
	}
	w.Token = token
	w.Format = format
	w.Active = true
	w.Update = false
	w.lastTime = now
	w.lastValue = nil

	if e.reader != nil {
		if _, _, v, err := e.reader.Read(uri, format); err == nil {
			if _, ok := Number(v); ok {
				w.lastValue = v
			}
		}
	}
	e.metrics.SetObservations(e.Len())
	e.logger.Debug("observe", zap.String("uri", uri), zap.String("peer", peerName(peer)), zap.Uint32("counter", w.Counter))
	return w
}

// Watcher 返回对端对uri的观察.
func (e *Engine) Watcher(uri string, peer net.Addr) (*Watcher, bool) {
	g, ok := e.groups[Normalize(uri)]
	if !ok {
		return nil, false
	}
	_, w := g.find(peerName(peer))
	return w, w != nil
}

// Changed 标记uri及其上下级资源的观察需要评估.
func (e *Engine) Changed(uri string) {
	segs := segments(uri)
	for _, g := range e.groups {
		if hasPrefix(g.segs, segs) || hasPrefix(segs, g.segs) {
			for _, w := range g.watchers {
				w.Update = true
			}
		}
	}
}

// SetAttributes 修改对端对uri的通知属性. 结果不合法时返回错误, 属性不变.
func (e *Engine) SetAttributes(uri string, peer net.Addr, u Update) error {
	k := attrKey{uri: Normalize(uri), peer: peerName(peer)}
	cur := e.attrs[k]
	next, err := cur.Apply(u)
	if err != nil {
		return err
	}
	if next.Flags == 0 {
		delete(e.attrs, k)
	} else {
		e.attrs[k] = next
	}
	return nil
}

func (e *Engine) Attributes(uri string, peer net.Addr) (Attributes, bool) {
	a, ok := e.attrs[attrKey{uri: Normalize(uri), peer: peerName(peer)}]
	return a, ok
}

// Tick 评估全部活动的观察并发送到期的通知, 返回距下一次需要评估的时长(无定时评估时为0).
//
// 评估顺序: 未设置数值属性或值非数值时有变化即通知; 否则越过 lt/gt 门限或变化不小于 st 时通知;
// pmin 未到时推迟通知, 下一次评估恰在 pmin 到期时; pmax 到期时无论有无变化都通知.
// 同一 (URI, 格式) 每次 Tick 只读取一次.
func (e *Engine) Tick(now time.Time) time.Duration {
	cache := make(map[cacheKey]*reading)
	read := func(uri string, format uint32) *reading {
		k := cacheKey{uri: uri, format: format}
		if r, ok := cache[k]; ok {
			return r
		}
		r := &reading{err: ErrNoReader}
		if e.reader != nil {
			r.payload, r.format, r.value, r.err = e.reader.Read(uri, format)
		}
		cache[k] = r
		return r
	}

	var next time.Duration
	schedule := func(d time.Duration) {
		if d <= 0 {
			d = time.Nanosecond
		}
		if next == 0 || d < next {
			next = d
		}
	}

	for _, g := range e.groups {
		for _, w := range g.watchers {
			if !w.Active {
				continue
			}
			attrs := e.attrs[attrKey{uri: g.uri, peer: peerName(w.Peer)}]
			elapsed := sinceSaturating(now, &w.lastTime)

			notify := false
			var r *reading
			if w.Update {
				r = read(g.uri, w.Format)
				if r.err != nil {
					e.logger.Warn("read observed resource", zap.String("uri", g.uri), zap.Error(r.err))
					w.Update = false
					continue
				}
				notify = e.changed(w, attrs, r.value)
				if !notify {
					w.Update = false
				} else if attrs.Has(MinPeriod) && elapsed < attrs.MinPeriod {
					// pmin 未到, 保留待通知状态
					notify = false
					schedule(attrs.MinPeriod - elapsed)
					e.metrics.Notification("deferred")
				}
			}

			if !notify && attrs.Has(MaxPeriod) && attrs.MaxPeriod > 0 {
				if elapsed >= attrs.MaxPeriod {
					notify = true
				} else {
					schedule(attrs.MaxPeriod - elapsed)
				}
			}
			if !notify {
				continue
			}

			if r == nil {
				r = read(g.uri, w.Format)
				if r.err != nil {
					e.logger.Warn("read observed resource", zap.String("uri", g.uri), zap.Error(r.err))
					continue
				}
			}
			if d, ok := e.notify(now, w, r); !ok && d > 0 {
				schedule(d)
			} else if ok && attrs.Has(MaxPeriod) && attrs.MaxPeriod > 0 {
				schedule(attrs.MaxPeriod)
			}
		}
	}
	return next
}

// changed 报告值的变化是否满足通知条件.
func (e *Engine) changed(w *Watcher, attrs Attributes, v Value) bool {
	if attrs.Flags&numeric == 0 {
		return true
	}
	n, ok := Number(v)
	if !ok {
		return true
	}
	last, ok := Number(w.lastValue)
	if !ok {
		return true
	}
	if attrs.Has(LessThan) && crossed(last, n, attrs.LessThan, true) {
		return true
	}
	if attrs.Has(GreaterThan) && crossed(last, n, attrs.GreaterThan, false) {
		return true
	}
	if attrs.Has(Step) && reachedStep(last, n, attrs.Step) {
		return true
	}
	return false
}

// notify 发送通知. 被限流时返回重试延迟和false.
func (e *Engine) notify(now time.Time, w *Watcher, r *reading) (time.Duration, bool) {
	if e.notifier == nil {
		w.Update = false
		return 0, false
	}
	counter := (w.Counter + 1) & counterMask
	mid, err := e.notifier.Notify(Notification{
		Watcher: w,
		Counter: counter,
		Format:  r.format,
		Payload: r.payload,
	})
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			w.Update = true
			e.metrics.Notification("rate_limited")
			return rl.Delay, false
		}
		e.logger.Warn("notify", zap.String("uri", w.URI), zap.String("peer", peerName(w.Peer)), zap.Error(err))
		e.metrics.Notification("error")
		w.Update = false
		return 0, false
	}

	w.Counter = counter
	w.LastMID = mid
	w.lastTime = now
	w.Update = false
	if _, ok := Number(r.value); ok {
		w.lastValue = r.value
	}
	e.metrics.Notification("sent")
	e.logger.Debug("notify",
		zap.String("uri", w.URI),
		zap.String("peer", peerName(w.Peer)),
		zap.Uint32("counter", counter),
		zap.Uint16("mid", mid))
	return 0, true
}

// Cancel 删除对端对uri的观察.
func (e *Engine) Cancel(uri string, peer net.Addr) bool {
	uri = Normalize(uri)
	g, ok := e.groups[uri]
	if !ok {
		return false
	}
	i, _ := g.find(peerName(peer))
	if i < 0 {
		return false
	}
	e.removeWatcher(g, i)
	return true
}

// CancelToken 删除对端以token建立的观察.
func (e *Engine) CancelToken(peer net.Addr, token string) bool {
	return e.cancelFirst(peer, func(w *Watcher) bool { return w.Token == token })
}

// CancelMID 删除最近一次通知使用mid的观察, 用于对端以RST拒绝通知.
func (e *Engine) CancelMID(peer net.Addr, mid uint16) bool {
	return e.cancelFirst(peer, func(w *Watcher) bool { return w.Counter > 0 && w.LastMID == mid })
}

func (e *Engine) cancelFirst(peer net.Addr, match func(*Watcher) bool) bool {
	pk := peerName(peer)
	for _, g := range e.groups {
		for i, w := range g.watchers {
			if peerName(w.Peer) == pk && match(w) {
				e.removeWatcher(g, i)
				return true
			}
		}
	}
	return false
}

// RemovePeer 删除对端的全部观察和属性.
func (e *Engine) RemovePeer(peer net.Addr) int {
	pk := peerName(peer)
	n := 0
	for _, g := range e.groups {
		for i := len(g.watchers) - 1; i >= 0; i-- {
			if peerName(g.watchers[i].Peer) == pk {
				e.removeWatcher(g, i)
				n++
			}
		}
	}
	for k := range e.attrs {
		if k.peer == pk {
			delete(e.attrs, k)
		}
	}
	return n
}

// Remove 删除uri及其下级资源的全部观察, 用于资源被删除.
func (e *Engine) Remove(uri string) int {
	segs := segments(uri)
	n := 0
	for key, g := range e.groups {
		if hasPrefix(g.segs, segs) {
			for _, w := range g.watchers {
				w.Active = false
			}
			n += len(g.watchers)
			delete(e.groups, key)
		}
	}
	for k := range e.attrs {
		if hasPrefix(segments(k.uri), segs) {
			delete(e.attrs, k)
		}
	}
	e.metrics.SetObservations(e.Len())
	return n
}

func (e *Engine) removeWatcher(g *observed, i int) {
	w := g.watchers[i]
	w.Active = false
	g.remove(i)
	if len(g.watchers) == 0 {
		delete(e.groups, g.uri)
	}
	e.metrics.SetObservations(e.Len())
	e.logger.Debug("cancel observe", zap.String("uri", g.uri), zap.String("peer", peerName(w.Peer)))
}

// Len 返回观察数.
func (e *Engine) Len() int {
	n := 0
	for _, g := range e.groups {
		n += len(g.watchers)
	}
	return n
}

// Groups 返回被观察的资源数.
func (e *Engine) Groups() int {
	return len(e.groups)
}

// sinceSaturating 返回自t以来的时长. 时钟回拨时将t重置为now并返回0.
func sinceSaturating(now time.Time, t *time.Time) time.Duration {
	d := now.Sub(*t)
	if d < 0 {
		*t = now
		return 0
	}
	return d
}
