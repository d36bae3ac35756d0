package observe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidThresholds = errors.New("lt + 2*st >= gt")
	ErrInvalidPeriods    = errors.New("pmin > pmax")
	ErrInvalidStep       = errors.New("st < 0")
)

// Flags 已设置的通知属性.
type Flags uint8

const (
	MinPeriod Flags = 1 << iota
	MaxPeriod
	GreaterThan
	LessThan
	Step
)

// 数值类属性
const numeric = GreaterThan | LessThan | Step

var flagNames = []struct {
	flag Flags
	name string
}{
	{MinPeriod, "pmin"},
	{MaxPeriod, "pmax"},
	{GreaterThan, "gt"},
	{LessThan, "lt"},
	{Step, "st"},
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Attributes 通知属性.
type Attributes struct {
	Flags       Flags
	MinPeriod   time.Duration
	MaxPeriod   time.Duration
	GreaterThan float64
	LessThan    float64
	Step        float64
}

func (a Attributes) Has(f Flags) bool {
	return a.Flags&f == f
}

func (a Attributes) String() string {
	var parts []string
	if a.Has(MinPeriod) {
		parts = append(parts, fmt.Sprintf("pmin=%s", a.MinPeriod))
	}
	if a.Has(MaxPeriod) {
		parts = append(parts, fmt.Sprintf("pmax=%s", a.MaxPeriod))
	}
	if a.Has(GreaterThan) {
		parts = append(parts, fmt.Sprintf("gt=%g", a.GreaterThan))
	}
	if a.Has(LessThan) {
		parts = append(parts, fmt.Sprintf("lt=%g", a.LessThan))
	}
	if a.Has(Step) {
		parts = append(parts, fmt.Sprintf("st=%g", a.Step))
	}
	return strings.Join(parts, "&")
}

// Validate 检查属性组合是否合法.
//
// lt, gt, st 同时设置且 lt + 2*st >= gt 时, 任一值都会同时满足两个门限, 拒绝.
func (a Attributes) Validate() error {
	if a.Has(Step) && a.Step < 0 {
		return ErrInvalidStep
	}
	if a.Has(LessThan|GreaterThan|Step) && a.LessThan+2*a.Step >= a.GreaterThan {
		return ErrInvalidThresholds
	}
	if a.Has(MinPeriod|MaxPeriod) && a.MinPeriod > a.MaxPeriod {
		return ErrInvalidPeriods
	}
	return nil
}

// Update 属性修改, ToClear 先于 ToSet 生效.
type Update struct {
	ToSet       Flags
	ToClear     Flags
	MinPeriod   time.Duration
	MaxPeriod   time.Duration
	GreaterThan float64
	LessThan    float64
	Step        float64
}

// Apply 返回应用修改后的属性, 结果不合法时返回错误.
func (a Attributes) Apply(u Update) (Attributes, error) {
	if u.ToSet&u.ToClear != 0 {
		return a, errors.Errorf("attributes both set and cleared: %s", u.ToSet&u.ToClear)
	}
	r := a
	r.Flags &^= u.ToClear
	if u.ToClear&MinPeriod != 0 {
		r.MinPeriod = 0
	}
	if u.ToClear&MaxPeriod != 0 {
		r.MaxPeriod = 0
	}
	if u.ToClear&GreaterThan != 0 {
		r.GreaterThan = 0
	}
	if u.ToClear&LessThan != 0 {
		r.LessThan = 0
	}
	if u.ToClear&Step != 0 {
		r.Step = 0
	}

	r.Flags |= u.ToSet
	if u.ToSet&MinPeriod != 0 {
		r.MinPeriod = u.MinPeriod
	}
	if u.ToSet&MaxPeriod != 0 {
		r.MaxPeriod = u.MaxPeriod
	}
	if u.ToSet&GreaterThan != 0 {
		r.GreaterThan = u.GreaterThan
	}
	if u.ToSet&LessThan != 0 {
		r.LessThan = u.LessThan
	}
	if u.ToSet&Step != 0 {
		r.Step = u.Step
	}

	if err := r.Validate(); err != nil {
		return a, err
	}
	return r, nil
}

// ParseUpdate 解析 Write-Attributes 请求的查询参数, 例如 "pmin=10", "gt=20.5".
// 不带值的属性表示清除, 无法识别的参数被忽略. pmin/pmax 以秒为单位.
func ParseUpdate(queries []string) (Update, error) {
	var u Update
	for _, q := range queries {
		name, value, hasValue := strings.Cut(q, "=")
		var flag Flags
		for _, n := range flagNames {
			if n.name == name {
				flag = n.flag
			}
		}
		if flag == 0 {
			continue
		}
		if !hasValue {
			u.ToClear |= flag
			continue
		}

		if flag == MinPeriod || flag == MaxPeriod {
			secs, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return u, errors.Wrapf(err, "parse %s", name)
			}
			if flag == MinPeriod {
				u.MinPeriod = time.Duration(secs) * time.Second
			} else {
				u.MaxPeriod = time.Duration(secs) * time.Second
			}
		} else {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return u, errors.Wrapf(err, "parse %s", name)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return u, errors.Errorf("parse %s: %q is not a finite number", name, value)
			}
			switch flag {
			case GreaterThan:
				u.GreaterThan = v
			case LessThan:
				u.LessThan = v
			case Step:
				u.Step = v
			}
		}
		u.ToSet |= flag
	}
	return u, nil
}
