// Package deduplication detects duplicate CON and NON messages per peer and
// replays the reply saved for a duplicate confirmable message.
package deduplication

import (
	"errors"
	"net"
	"time"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

var (
	ErrStateNotFound = errors.New("not found message state")
	ErrAckNonMessage = errors.New("non message not need ack")
	ErrMessageSaved  = errors.New("message already saved")
)

// Verdict 收到消息的去重结果.
type Verdict int

const (
	// Fresh 新消息, 正常处理.
	Fresh Verdict = iota
	// Duplicate 重复消息, 忽略.
	Duplicate
	// Replay 重复的确认消息, 重发保存的回复.
	Replay
	// Reject 曾以NON收到的MID又以CON到达, 回复RST.
	Reject
)

var verdictNames = [...]string{
	Fresh:     "fresh",
	Duplicate: "duplicate",
	Replay:    "replay",
	Reject:    "reject",
}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

type state struct {
	time  time.Time
	typ   uint8
	token string
	saved bool
	reply []byte
}

func (s *state) put(reply []byte) bool {
	if s.saved {
		return false
	}
	s.saved = true
	s.reply = append([]byte(nil), reply...)
	return true
}

type key struct {
	peer string
	mid  uint16
}

func keyOf(peer net.Addr, mid uint16) key {
	if peer == nil {
		return key{mid: mid}
	}
	return key{peer: peer.String(), mid: mid}
}

// Filter 按 (对端, MID) 记录收到的 CON/NON 消息.
// CON 的记录保留 ExchangeLifetime, NON 的记录保留 NonLifetime. 非并发安全.
type Filter struct {
	NonLifetime      time.Duration
	ExchangeLifetime time.Duration

	states map[key]*state
}

func NewFilter() *Filter {
	return &Filter{
		NonLifetime:      base.NON_LIFETIME,
		ExchangeLifetime: base.EXCHANGE_LIFETIME,
		states:           make(map[key]*state),
	}
}

// Check 登记收到的消息并返回去重结果. 结果为 Replay 时同时返回保存的回复.
func (f *Filter) Check(now time.Time, peer net.Addr, m base.Message) (Verdict, []byte) {
	if m.Type != base.CON && m.Type != base.NON {
		return Fresh, nil
	}

	k := keyOf(peer, m.MessageID)
	s, ok := f.getState(now, k)
	if !ok {
		f.states[k] = &state{time: now, typ: m.Type, token: m.Token}
		return Fresh, nil
	}

	switch {
	case s.typ == base.NON && m.Type == base.NON:
		return Duplicate, nil

	case s.typ == base.CON && m.Type == base.CON:
		// 回复尚未保存(如正在等待分离响应)时忽略
		if s.saved && s.token == m.Token {
			return Replay, s.reply
		}
		return Duplicate, nil

	case s.typ == base.NON && m.Type == base.CON:
		return Reject, nil

	default:
		return Duplicate, nil
	}
}

// SaveReply 保存对 (peer, mid) 的回复, 每个CON消息只保存一次.
func (f *Filter) SaveReply(now time.Time, peer net.Addr, reply base.Message, data []byte) error {
	if reply.Type != base.ACK && reply.Type != base.RST {
		return nil
	}
	s, ok := f.getState(now, keyOf(peer, reply.MessageID))
	if !ok {
		return ErrStateNotFound
	}
	if s.typ == base.NON && reply.Type == base.ACK {
		return ErrAckNonMessage
	}
	if !s.put(data) {
		return ErrMessageSaved
	}
	return nil
}

// Step 删除过期的记录, 返回删除数量和距下一条记录过期的时长(无记录时为0).
func (f *Filter) Step(now time.Time) (int, time.Duration) {
	n := 0
	var next time.Duration
	for k, s := range f.states {
		left := f.lifetime(s) - age(now, &s.time)
		if left < 0 {
			delete(f.states, k)
			n++
			continue
		}
		left += time.Nanosecond
		if next == 0 || left < next {
			next = left
		}
	}
	return n, next
}

// RemovePeer 删除peer的全部记录.
func (f *Filter) RemovePeer(peer net.Addr) {
	pk := keyOf(peer, 0).peer
	for k := range f.states {
		if k.peer == pk {
			delete(f.states, k)
		}
	}
}

func (f *Filter) Len() int {
	return len(f.states)
}

func (f *Filter) getState(now time.Time, k key) (*state, bool) {
	s, ok := f.states[k]
	if !ok {
		return nil, false
	}
	if f.timeout(now, s) {
		delete(f.states, k)
		return nil, false
	}
	return s, true
}

func (f *Filter) lifetime(s *state) time.Duration {
	if s.typ == base.CON {
		return f.ExchangeLifetime
	}
	return f.NonLifetime
}

func (f *Filter) timeout(now time.Time, s *state) bool {
	return age(now, &s.time) > f.lifetime(s)
}

// age 返回自t以来的时长. 时钟回拨时将t重置为now.
func age(now time.Time, t *time.Time) time.Duration {
	d := now.Sub(*t)
	if d < 0 {
		*t = now
		return 0
	}
	return d
}
