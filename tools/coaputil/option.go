package coaputil

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// OptionFlags 可重复的命令行参数, 实现 flag.Value.
type OptionFlags []string

func (p *OptionFlags) Set(s string) error {
	*p = append(*p, s)
	return nil
}

func (p *OptionFlags) String() string {
	return strings.Join(*p, ",")
}

// Format 选项值的格式
type Format int

const (
	EmptyFormat  = Format(base.EmptyValue)
	UintFormat   = Format(base.UintValue)
	StringFormat = Format(base.StringValue)
	OpaqueFormat = Format(base.OpaqueValue)
)

func makeValue(format Format, value string) (interface{}, error) {
	switch format {
	case EmptyFormat:
		return nil, nil
	case UintFormat:
		u, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parse uint %q", value)
		}
		return uint32(u), nil
	case StringFormat:
		return value, nil
	case OpaqueFormat:
		return []byte(value), nil
	default:
		return nil, errors.Errorf("unsupport option format: %d", format)
	}
}

// splitOption 拆分 "name: value" 形式的参数, 值中可以包含冒号.
func splitOption(s string) (string, string) {
	name, value, _ := strings.Cut(s, ":")
	return strings.TrimSpace(name), strings.TrimSpace(value)
}

// ParseOption 解析 "Uri-Path: 3" 形式的选项, 名称不区分大小写.
func ParseOption(s string) (lwm2m.OptionID, interface{}, error) {
	name, value := splitOption(s)
	id, format, ok := base.LookupOption(name)
	if !ok {
		return 0, nil, errors.Errorf("not found option define: %s", name)
	}
	v, err := makeValue(Format(format), value)
	if err != nil {
		return 0, nil, err
	}
	return lwm2m.OptionID(id), v, nil
}

// ParseOptionByID 解析 "2048: value" 形式的选项, 值按format解释.
func ParseOptionByID(format Format, s string) (lwm2m.OptionID, interface{}, error) {
	name, value := splitOption(s)
	id, err := strconv.ParseUint(name, 10, 16)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "parse option id %q", name)
	}
	v, err := makeValue(format, value)
	if err != nil {
		return 0, nil, err
	}
	return lwm2m.OptionID(id), v, nil
}

// OptionArgs 命令行中的选项参数.
type OptionArgs struct {
	Named  OptionFlags
	Empty  OptionFlags
	Uint   OptionFlags
	String OptionFlags
	Opaque OptionFlags
}

// AddTo 将全部选项加入opts.
func (a *OptionArgs) AddTo(opts *lwm2m.Options) error {
	for _, s := range a.Named {
		id, v, err := ParseOption(s)
		if err != nil {
			return err
		}
		opts.Add(id, v)
	}
	byID := []struct {
		format Format
		values OptionFlags
	}{
		{EmptyFormat, a.Empty},
		{UintFormat, a.Uint},
		{StringFormat, a.String},
		{OpaqueFormat, a.Opaque},
	}
	for _, g := range byID {
		for _, s := range g.values {
			id, v, err := ParseOptionByID(g.format, s)
			if err != nil {
				return err
			}
			opts.Add(id, v)
		}
	}
	return nil
}
