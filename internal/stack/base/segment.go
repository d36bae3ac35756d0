package base

import (
	"bytes"
	"strconv"
)

// Value 选项值, 取值为 Empty, Uint 或 Segment 之一.
type Value interface {
	// encode 返回线路编码, 可能与内部存储共享内存.
	encode() []byte
	String() string
}

// Empty 空选项值, 例如 If-None-Match.
type Empty struct{}

func (Empty) encode() []byte { return nil }
func (Empty) String() string { return "" }

// Uint 无符号整数选项值, 编码为最短大端字节序.
type Uint uint32

func (u Uint) encode() []byte { return encodeUintVariant(uint32(u)) }
func (u Uint) String() string { return strconv.FormatUint(uint64(u), 10) }

// Segment 字符串或不透明选项值.
//
// owned 的 Segment 持有私有副本; borrowed 的 Segment 指向调用方的内存(例如接收缓冲区),
// 仅在该内存有效期间可用, 需要长期保存时应调用 Own.
type Segment struct {
	data     []byte
	borrowed bool
}

// Owned 复制b并返回 owned Segment.
func Owned(b []byte) Segment {
	data := make([]byte, len(b))
	copy(data, b)
	return Segment{data: data}
}

// Borrowed 返回引用b的 Segment, 不复制.
func Borrowed(b []byte) Segment {
	return Segment{data: b, borrowed: true}
}

// Str 由字符串构造 owned Segment.
func Str(s string) Segment {
	return Segment{data: []byte(s)}
}

func (s Segment) encode() []byte { return s.data }

// Bytes 返回值内容, 调用方不应修改.
func (s Segment) Bytes() []byte { return s.data }

func (s Segment) String() string { return string(s.data) }

func (s Segment) Len() int { return len(s.data) }

// IsBorrowed 报告该值是否引用外部内存.
func (s Segment) IsBorrowed() bool { return s.borrowed }

// Own 返回不再引用外部内存的 Segment.
func (s Segment) Own() Segment {
	if !s.borrowed {
		return s
	}
	return Owned(s.data)
}

// Equal reports whether both segments hold the same bytes.
func (s Segment) Equal(o Segment) bool {
	return bytes.Equal(s.data, o.data)
}

// MultiOption 可重复选项的有序值序列, 例如 Uri-Path 的各个路径段.
type MultiOption []Segment

func (m MultiOption) Strings() []string {
	ss := make([]string, len(m))
	for i, s := range m {
		ss[i] = s.String()
	}
	return ss
}

func (m MultiOption) Join(sep string) string {
	var buf bytes.Buffer
	for i, s := range m {
		if i > 0 {
			buf.WriteString(sep)
		}
		buf.Write(s.data)
	}
	return buf.String()
}

// Own 返回所有段均为 owned 的序列.
func (m MultiOption) Own() MultiOption {
	if m == nil {
		return nil
	}
	out := make(MultiOption, len(m))
	for i, s := range m {
		out[i] = s.Own()
	}
	return out
}

// SplitString 按sep切分s, 每段为 owned Segment.
func SplitString(s, sep string) MultiOption {
	parts := bytes.Split([]byte(s), []byte(sep))
	m := make(MultiOption, len(parts))
	for i, p := range parts {
		m[i] = Segment{data: p}
	}
	return m
}

func valueOwn(v Value) Value {
	if s, ok := v.(Segment); ok {
		return s.Own()
	}
	return v
}
