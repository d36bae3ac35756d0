package blockwise

import (
	"bytes"
	"time"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Status 分块接收结果.
type Status int

const (
	// Continue 块已接收, 等待后续块(回复 2.31).
	Continue Status = iota
	// Complete 最后一块已接收, Payload 为完整负载.
	Complete
	// Retransmission 重复的块, 状态不变.
	Retransmission
	// Incomplete 块序号或偏移不连续(回复 4.08).
	Incomplete
	// TooLarge 累计负载超出上限(回复 4.13).
	TooLarge
)

var statusNames = [...]string{
	Continue:       "Continue",
	Complete:       "Complete",
	Retransmission: "Retransmission",
	Incomplete:     "Incomplete",
	TooLarge:       "TooLarge",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// Result 分块接收结果及完整负载.
type Result struct {
	Status  Status
	Payload []byte
}

type descriptor struct {
	last    uint32
	buf     bytes.Buffer
	touched time.Time
}

// Assembler 按key重组分块传输的负载.
//
// 服务端用它接收 Block1 请求(key 为对端和URI), 客户端用它重组 Block2 响应(key 为请求的MID).
// 每个key最多对应一个传输. 非并发安全.
type Assembler[K comparable] struct {
	maxSize int
	descs   map[K]*descriptor
}

// NewAssembler 创建重组器, maxSize为单个传输的最大负载, <=0则使用默认值.
func NewAssembler[K comparable](maxSize int) *Assembler[K] {
	if maxSize <= 0 {
		maxSize = base.MAX_BLOCK_PAYLOAD
	}
	return &Assembler[K]{
		maxSize: maxSize,
		descs:   make(map[K]*descriptor),
	}
}

// Handle 处理一个块.
//
// 第0块创建或重置传输; 非0块要求传输已存在且序号恰为上一块加一, 已接收长度等于 num*size.
// 序号不大于上一块的视为重传. 最后一块返回完整负载, 传输状态保留至 Delete.
func (a *Assembler[K]) Handle(now time.Time, key K, opt base.BlockOption, payload []byte) Result {
	d, ok := a.descs[key]
	if opt.Num == 0 {
		if !ok {
			d = &descriptor{}
			a.descs[key] = d
		}
		d.buf.Reset()
		d.last = 0
	} else {
		if !ok {
			return Result{Status: Incomplete}
		}
		if opt.Num <= d.last {
			d.touched = now
			return Result{Status: Retransmission}
		}
		if opt.Num != d.last+1 || d.buf.Len() != opt.Offset() {
			return Result{Status: Incomplete}
		}
		d.last = opt.Num
	}
	d.touched = now

	if d.buf.Len()+len(payload) > a.maxSize {
		delete(a.descs, key)
		return Result{Status: TooLarge}
	}
	d.buf.Write(payload)

	if opt.More {
		return Result{Status: Continue}
	}
	return Result{Status: Complete, Payload: d.buf.Bytes()}
}

// Delete 删除传输.
func (a *Assembler[K]) Delete(key K) {
	delete(a.descs, key)
}

// DeleteIf 删除key满足match的传输, 返回删除数量.
func (a *Assembler[K]) DeleteIf(match func(K) bool) int {
	n := 0
	for key := range a.descs {
		if match(key) {
			delete(a.descs, key)
			n++
		}
	}
	return n
}

// Rekey 将传输从old移动到new, 用于以新MID请求下一个 Block2 块.
func (a *Assembler[K]) Rekey(old, new K) bool {
	d, ok := a.descs[old]
	if !ok {
		return false
	}
	delete(a.descs, old)
	a.descs[new] = d
	return true
}

// Len 返回进行中的传输数.
func (a *Assembler[K]) Len() int {
	return len(a.descs)
}

// Sweep 删除闲置超过maxAge的传输, 返回删除数量.
func (a *Assembler[K]) Sweep(now time.Time, maxAge time.Duration) int {
	n := 0
	for key, d := range a.descs {
		if age(now, &d.touched) > maxAge {
			delete(a.descs, key)
			n++
		}
	}
	return n
}

// age 返回自t以来的时长. 时钟回拨时将t重置为now并返回0.
func age(now time.Time, t *time.Time) time.Duration {
	d := now.Sub(*t)
	if d < 0 {
		*t = now
		return 0
	}
	return d
}
