package base

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Option COAP消息选项
type Option struct {
	ID    uint16
	Value Value
}

func (o Option) String() string {
	return fmt.Sprintf("%s: %s", OptionName(o.ID), o.Value)
}

// Options 按插入顺序保存的选项列表, 同编号选项的相对顺序在编码时保持不变.
type Options []Option

// Add 追加选项. 切片满容量追加, 值拷贝的 Message 之间不会互相覆盖.
func (p *Options) Add(id uint16, v Value) {
	n := len(*p)
	*p = append((*p)[:n:n], Option{ID: id, Value: v})
}

func (p *Options) Set(id uint16, v Value) {
	p.Del(id)
	p.Add(id, v)
}

func (p *Options) Del(id uint16) {
	options := make(Options, 0, len(*p))
	for _, o := range *p {
		if o.ID != id {
			options = append(options, o)
		}
	}
	*p = options
}

func (p Options) Get(id uint16) (Value, bool) {
	for _, o := range p {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

func (p Options) GetAll(id uint16) []Value {
	var values []Value
	for _, o := range p {
		if o.ID == id {
			values = append(values, o.Value)
		}
	}
	return values
}

func (p Options) Contain(id uint16) bool {
	_, ok := p.Get(id)
	return ok
}

// Uint 返回第一个编号为id的整数选项值.
func (p Options) Uint(id uint16) (uint32, bool) {
	v, ok := p.Get(id)
	if !ok {
		return 0, false
	}
	u, ok := v.(Uint)
	return uint32(u), ok
}

// Segments 返回编号为id的所有字符串或不透明选项值.
func (p Options) Segments(id uint16) MultiOption {
	var m MultiOption
	for _, o := range p {
		if o.ID != id {
			continue
		}
		if s, ok := o.Value.(Segment); ok {
			m = append(m, s)
		}
	}
	return m
}

// SetSegments 用m替换编号为id的所有选项.
func (p *Options) SetSegments(id uint16, m MultiOption) {
	p.Del(id)
	for _, s := range m {
		p.Add(id, s)
	}
}

// Clone 深拷贝选项列表, 结果中不含 borrowed 值.
func (p Options) Clone() Options {
	if p == nil {
		return nil
	}
	options := make(Options, len(p))
	for i, o := range p {
		options[i] = Option{ID: o.ID, Value: valueOwn(o.Value)}
	}
	return options
}

// Without 返回去掉指定编号后的副本.
func (p Options) Without(ids ...uint16) Options {
	options := make(Options, 0, len(p))
	for _, o := range p {
		skip := false
		for _, id := range ids {
			if o.ID == id {
				skip = true
				break
			}
		}
		if !skip {
			options = append(options, o)
		}
	}
	return options
}

func (p Options) sorted() Options {
	options := make(Options, len(p))
	copy(options, p)
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].ID < options[j].ID
	})
	return options
}

var headerNewlineToSpace = strings.NewReplacer("\n", " ", "\r", " ")

func (p Options) Write(w io.Writer) error {
	for _, o := range p.sorted() {
		var s string
		switch v := o.Value.(type) {
		case Segment:
			def := optionDefs[o.ID]
			if def.format == OpaqueValue {
				s = fmt.Sprintf("%x", v.Bytes())
			} else {
				s = headerNewlineToSpace.Replace(v.String())
			}
		default:
			s = v.String()
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", OptionName(o.ID), s); err != nil {
			return err
		}
	}
	return nil
}
