package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m"
)

// Device 资源 ID
const (
	manufacturer = 0
	modelNumber  = 1
	serialNumber = 2
	reboot       = 4
	batteryLevel = 9
	currentTime  = 13
)

const deviceURI = "/3/0"

// Device 演示用的 LWM2M Device 对象(/3/0). 只在 Host 主循环中访问.
type Device struct {
	Serial  string
	Battery int64
	Now     func() time.Time

	attrs  func(r *lwm2m.Request, u lwm2m.AttributeUpdate) error
	logger *zap.Logger
}

func NewDevice(serial string, logger *zap.Logger) *Device {
	return &Device{
		Serial:  serial,
		Battery: 100,
		Now:     time.Now,
		logger:  logger,
	}
}

func (d *Device) resource(id int) (lwm2m.Value, bool) {
	switch id {
	case manufacturer:
		return lwm2m.String("ironzhang"), true
	case modelNumber:
		return lwm2m.String("lwm2m-demo"), true
	case serialNumber:
		return lwm2m.String(d.Serial), true
	case batteryLevel:
		return lwm2m.Int(d.Battery), true
	case currentTime:
		return lwm2m.Int(d.Now().Unix()), true
	}
	return nil, false
}

// Drain 电量减一, 到0后回到100.
func (d *Device) Drain() {
	d.Battery--
	if d.Battery < 0 {
		d.Battery = 100
	}
}

// Read 实现 lwm2m.Reader.
func (d *Device) Read(uri string, format uint32) ([]byte, uint32, lwm2m.Value, error) {
	segs := strings.Split(strings.Trim(uri, "/"), "/")
	switch len(segs) {
	case 2:
		if "/"+strings.Join(segs, "/") != deviceURI {
			return nil, 0, nil, fmt.Errorf("%s not found", uri)
		}
		return d.object(), lwm2m.TextPlain, lwm2m.Multiple{}, nil
	case 3:
		id, err := strconv.Atoi(segs[2])
		if err != nil || "/"+segs[0]+"/"+segs[1] != deviceURI {
			return nil, 0, nil, fmt.Errorf("%s not found", uri)
		}
		v, ok := d.resource(id)
		if !ok {
			return nil, 0, nil, fmt.Errorf("%s not found", uri)
		}
		return []byte(v.String()), lwm2m.TextPlain, v, nil
	}
	return nil, 0, nil, fmt.Errorf("%s not found", uri)
}

func (d *Device) object() []byte {
	var b strings.Builder
	for _, id := range []int{manufacturer, modelNumber, serialNumber, batteryLevel, currentTime} {
		v, _ := d.resource(id)
		fmt.Fprintf(&b, "%d=%s\n", id, v)
	}
	return []byte(b.String())
}

// ServeCOAP 实现 lwm2m.Handler: Read, Write-Attributes, Execute 和资源发现.
func (d *Device) ServeCOAP(w lwm2m.ResponseWriter, r *lwm2m.Request) {
	path := r.Path()
	if path == "/.well-known/core" && r.Method == lwm2m.GET {
		w.Options().Set(lwm2m.ContentFormat, uint32(lwm2m.AppLinkFormat))
		fmt.Fprintf(w, "<%s>;ct=0,<%s/%d>;obs,<%s/%d>", deviceURI, deviceURI, batteryLevel, deviceURI, currentTime)
		return
	}

	switch r.Method {
	case lwm2m.GET:
		payload, format, _, err := d.Read(path, 0)
		if err != nil {
			w.WriteCode(lwm2m.NotFound)
			return
		}
		w.Options().Set(lwm2m.ContentFormat, format)
		w.Write(payload)

	case lwm2m.PUT:
		if len(r.Payload) > 0 || !r.Options.Contain(lwm2m.URIQuery) {
			w.WriteCode(lwm2m.MethodNotAllowed)
			return
		}
		if _, _, _, err := d.Read(path, 0); err != nil {
			w.WriteCode(lwm2m.NotFound)
			return
		}
		u, err := lwm2m.ParseAttributes(r)
		if err == nil && d.attrs != nil {
			err = d.attrs(r, u)
		}
		if err != nil {
			d.logger.Info("write attributes", zap.String("uri", path), zap.Error(err))
			w.WriteCode(lwm2m.BadRequest)
			return
		}
		w.WriteCode(lwm2m.Changed)

	case lwm2m.POST:
		if path != fmt.Sprintf("%s/%d", deviceURI, reboot) {
			w.WriteCode(lwm2m.MethodNotAllowed)
			return
		}
		d.logger.Info("reboot", zap.Stringer("peer", r.RemoteAddr))
		d.Battery = 100
		w.WriteCode(lwm2m.Changed)

	default:
		w.WriteCode(lwm2m.MethodNotAllowed)
	}
}
