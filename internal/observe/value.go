package observe

import (
	"encoding/hex"
	"math"
	"math/big"
	"strconv"
)

// Value 资源的当前值. 只有单个数值资源参与门限比较.
type Value interface {
	String() string
	isValue()
}

type Int int64

type Uint uint64

type Float float64

type Bool bool

type String string

type Opaque []byte

// Multiple 对象, 实例或多实例资源的值, 不参与门限比较.
type Multiple struct{}

func (Int) isValue()      {}
func (Uint) isValue()     {}
func (Float) isValue()    {}
func (Bool) isValue()     {}
func (String) isValue()   {}
func (Opaque) isValue()   {}
func (Multiple) isValue() {}

func (v Int) String() string      { return strconv.FormatInt(int64(v), 10) }
func (v Uint) String() string     { return strconv.FormatUint(uint64(v), 10) }
func (v Float) String() string    { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Bool) String() string     { return strconv.FormatBool(bool(v)) }
func (v String) String() string   { return string(v) }
func (v Opaque) String() string   { return hex.EncodeToString(v) }
func (v Multiple) String() string { return "multiple" }

// Number 返回数值资源的精确值. NaN 不是数值.
func Number(v Value) (*big.Float, bool) {
	switch x := v.(type) {
	case Int:
		return new(big.Float).SetInt64(int64(x)), true
	case Uint:
		return new(big.Float).SetUint64(uint64(x)), true
	case Float:
		if math.IsNaN(float64(x)) {
			return nil, false
		}
		return big.NewFloat(float64(x)), true
	default:
		return nil, false
	}
}

// reachedStep 报告old到v的变化量是否不小于step.
func reachedStep(old, v *big.Float, step float64) bool {
	if old.IsInf() || v.IsInf() {
		return old.Cmp(v) != 0
	}
	d := new(big.Float).SetPrec(256).Sub(v, old)
	return d.Abs(d).Cmp(big.NewFloat(step)) >= 0
}

// crossed 报告从old到v是否越过门限th.
func crossed(old, v *big.Float, th float64, below bool) bool {
	t := big.NewFloat(th)
	if below {
		return (old.Cmp(t) < 0) != (v.Cmp(t) < 0)
	}
	return (old.Cmp(t) > 0) != (v.Cmp(t) > 0)
}
