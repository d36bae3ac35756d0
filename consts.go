package lwm2m

import "github.com/ironzhang/lwm2m/internal/stack/base"

// 消息类型
const (
	CON = base.CON
	NON = base.NON
	ACK = base.ACK
	RST = base.RST
)

// Content formats
const (
	TextPlain     = base.TextPlain
	AppLinkFormat = base.AppLinkFormat
	AppOctets     = base.AppOctets
	AppJSON       = base.AppJSON
	AppCBOR       = base.AppCBOR
	AppSenMLJSON  = base.AppSenMLJSON
	AppSenMLCBOR  = base.AppSenMLCBOR
	AppLwm2mTLV   = base.AppLwm2mTLV
	AppLwm2mJSON  = base.AppLwm2mJSON
)

// Observe 选项的取值
const (
	ObserveRegister   = 0
	ObserveDeregister = 1
)

// 不支持关键选项时 4.02 响应的负载
const badOptionPayload = `Unrecognized options of class "critical" that occur in a Confirmable request`
