package blockwise

import (
	"errors"
	"hash/fnv"
	"io"
	"time"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// ErrBlockOutOfScope 请求的块超出负载范围.
var ErrBlockOutOfScope = errors.New("BlockOutOfScope")

// Buffer 服务端待分块发送的响应.
type Buffer struct {
	source  base.Message
	data    base.BlockBuffer
	etag    []byte
	touched time.Time
}

// Source 返回创建缓冲区时的响应(不含负载).
func (b *Buffer) Source() base.Message {
	return b.source
}

func (b *Buffer) ETag() []byte {
	return b.etag
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Prepare 返回第num块及对应的 Block2 选项, 并刷新缓冲区的使用时间.
func (b *Buffer) Prepare(now time.Time, num, size uint32) (base.BlockOption, []byte, error) {
	b.touched = now
	opt, payload, err := b.data.Read(num, size)
	if err == io.EOF {
		return base.BlockOption{}, nil, ErrBlockOutOfScope
	}
	return opt, payload, err
}

// Message 构造第num块的响应消息, 携带 Block2, Size2 和 ETag 选项.
func (b *Buffer) Message(now time.Time, num, size uint32) (base.Message, error) {
	opt, payload, err := b.Prepare(now, num, size)
	if err != nil {
		return base.Message{}, err
	}
	m := b.source
	m.Options = b.source.Options.Without(base.Block2, base.Size2, base.ETag)
	if err = m.SetBlock2(opt); err != nil {
		return base.Message{}, err
	}
	if num == 0 {
		m.SetSize2(uint32(len(b.data)))
	}
	if len(b.etag) > 0 {
		m.SetETag(b.etag)
	}
	m.Payload = payload
	return m, nil
}

// Append 在offset处写入data, 必要时扩展缓冲区.
func (b *Buffer) Append(now time.Time, offset int, data []byte) {
	b.touched = now
	if end := offset + len(data); end > len(b.data) {
		grown := make(base.BlockBuffer, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[offset:], data)
}

// Store 服务端 Block2 缓冲区, 闲置超过 maxAge 的缓冲区由 Sweep 回收.
type Store[K comparable] struct {
	maxAge  time.Duration
	buffers map[K]*Buffer
}

func NewStore[K comparable](maxAge time.Duration) *Store[K] {
	if maxAge <= 0 {
		maxAge = base.BLOCK_MAX_AGE
	}
	return &Store[K]{
		maxAge:  maxAge,
		buffers: make(map[K]*Buffer),
	}
}

// New 为key创建缓冲区, 替换已有的缓冲区. m 的负载被复制.
func (s *Store[K]) New(now time.Time, key K, m base.Message, etag []byte) *Buffer {
	data := make(base.BlockBuffer, len(m.Payload))
	copy(data, m.Payload)
	source := m
	source.Payload = nil
	source.Detach()
	if etag != nil {
		etag = append([]byte(nil), etag...)
	}
	b := &Buffer{source: source, data: data, etag: etag, touched: now}
	s.buffers[key] = b
	return b
}

func (s *Store[K]) Get(key K) (*Buffer, bool) {
	b, ok := s.buffers[key]
	return b, ok
}

func (s *Store[K]) Remove(key K) {
	delete(s.buffers, key)
}

// RemoveIf 删除key满足match的缓冲区, 返回删除数量.
func (s *Store[K]) RemoveIf(match func(K) bool) int {
	n := 0
	for key := range s.buffers {
		if match(key) {
			delete(s.buffers, key)
			n++
		}
	}
	return n
}

func (s *Store[K]) Len() int {
	return len(s.buffers)
}

// Sweep 回收闲置超过 maxAge 的缓冲区, 返回回收数量和距下一个缓冲区过期的时长(无缓冲区时为0).
func (s *Store[K]) Sweep(now time.Time) (int, time.Duration) {
	n := 0
	var next time.Duration
	for key, b := range s.buffers {
		a := age(now, &b.touched)
		if a > s.maxAge {
			delete(s.buffers, key)
			n++
			continue
		}
		left := s.maxAge - a + time.Nanosecond
		if next == 0 || left < next {
			next = left
		}
	}
	return n, next
}

// ETag 根据负载内容生成4字节 ETag.
func ETag(payload []byte) []byte {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum(nil)
}
