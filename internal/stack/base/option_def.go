package base

import (
	"fmt"
	"strings"
)

// 选项编号, 奇数为关键选项. 格式, 长度范围和可重复次数在 init 中注册.
// Observe 接受4字节的值, 取低24位; Accept 可重复, 与 LWM2M 客户端的用法一致.
const (
	IfMatch       = 1
	URIHost       = 3
	ETag          = 4
	IfNoneMatch   = 5
	Observe       = 6
	URIPort       = 7
	LocationPath  = 8
	URIPath       = 11
	ContentFormat = 12
	MaxAge        = 14
	URIQuery      = 15
	Accept        = 17
	LocationQuery = 20
	Block2        = 23
	Block1        = 27
	Size2         = 28
	ProxyURI      = 35
	ProxyScheme   = 39
	Size1         = 60
)

// option format
const (
	EmptyValue = iota
	UintValue
	StringValue
	OpaqueValue
)

type optionDef struct {
	id     uint16
	name   string
	format int
	repeat int
	minlen int
	maxlen int

	// sep 非空时, 同一编号的多个选项在解码时合并为一个值, 编码时再按sep拆分.
	sep byte
}

var optionDefs = make(map[uint16]optionDef)

// RegisterOptionDef 注册选项定义.
//
// repeat参数定义了一个消息最多可包含多少个该选项, <=0则不做限制.
//
// 若重复注册同一编号的选项定义则会引发panic.
func RegisterOptionDef(id uint16, repeat int, name string, format, minlen, maxlen int) {
	registerOptionDef(optionDef{
		id:     id,
		name:   name,
		format: format,
		repeat: repeat,
		minlen: minlen,
		maxlen: maxlen,
	})
}

func registerOptionDef(def optionDef) {
	if _, ok := optionDefs[def.id]; ok {
		panic(fmt.Sprintf("option %d registered", def.id))
	}
	optionDefs[def.id] = def
}

// OptionName 返回选项名称.
func OptionName(id uint16) string {
	if def, ok := optionDefs[id]; ok && def.name != "" {
		return def.name
	}
	return fmt.Sprint(id)
}

// LookupOption 按名称(不区分大小写)查找选项编号和值格式.
func LookupOption(name string) (id uint16, format int, ok bool) {
	for _, def := range optionDefs {
		if strings.EqualFold(def.name, name) {
			return def.id, def.format, true
		}
	}
	return 0, 0, false
}

// Critical 报告选项是否为关键选项(编号为奇数).
func Critical(id uint16) bool {
	return (id & 0x1) == 1
}

func recognize(id uint16, buf []byte, repeat int) bool {
	def, ok := optionDefs[id]
	if !ok {
		return false
	}
	if n := len(buf); n < def.minlen || n > def.maxlen {
		return false
	}
	if def.repeat > 0 && repeat > def.repeat {
		return false
	}
	return true
}

func decodeValue(def optionDef, buf []byte) Value {
	switch def.format {
	case EmptyValue:
		return Empty{}
	case UintValue:
		v := decodeUintVariant(buf)
		if def.id == Observe {
			v &= 0xFFFFFF
		}
		return Uint(v)
	default:
		return Borrowed(buf)
	}
}

func init() {
	RegisterOptionDef(IfMatch, 0, "If-Match", OpaqueValue, 0, 8)
	RegisterOptionDef(URIHost, 1, "Uri-Host", StringValue, 1, 255)
	RegisterOptionDef(ETag, 0, "ETag", OpaqueValue, 1, 8)
	RegisterOptionDef(IfNoneMatch, 1, "If-None-Match", EmptyValue, 0, 0)
	RegisterOptionDef(Observe, 1, "Observe", UintValue, 0, 4)
	RegisterOptionDef(URIPort, 1, "Uri-Port", UintValue, 0, 2)
	RegisterOptionDef(LocationPath, 0, "Location-Path", StringValue, 0, 255)
	RegisterOptionDef(URIPath, 0, "Uri-Path", StringValue, 0, 255)
	RegisterOptionDef(ContentFormat, 1, "Content-Format", UintValue, 0, 2)
	RegisterOptionDef(MaxAge, 1, "Max-Age", UintValue, 0, 4)
	RegisterOptionDef(URIQuery, 0, "Uri-Query", StringValue, 0, 255)
	RegisterOptionDef(Accept, 0, "Accept", UintValue, 0, 2)
	registerOptionDef(optionDef{id: LocationQuery, name: "Location-Query", format: StringValue, maxlen: 255, sep: '&'})
	RegisterOptionDef(Block2, 1, "Block2", UintValue, 0, 3)
	RegisterOptionDef(Block1, 1, "Block1", UintValue, 0, 3)
	RegisterOptionDef(Size2, 1, "Size2", UintValue, 0, 4)
	RegisterOptionDef(ProxyURI, 1, "Proxy-Uri", StringValue, 1, 1034)
	RegisterOptionDef(ProxyScheme, 1, "Proxy-Scheme", StringValue, 1, 255)
	RegisterOptionDef(Size1, 1, "Size1", UintValue, 0, 4)
}
