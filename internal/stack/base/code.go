package base

import "fmt"

// 消息类型
const (
	CON = 0
	NON = 1
	ACK = 2
	RST = 3
)

// TypeName 返回消息类型名称.
func TypeName(t uint8) string {
	switch t {
	case CON:
		return "Confirmable"
	case NON:
		return "NonConfirmable"
	case ACK:
		return "Acknowledgement"
	case RST:
		return "Reset"
	}
	return fmt.Sprintf("Unknown (0x%x)", t)
}

// 代码类别, 高3位
const (
	classMethod      = 0 << 5
	classSuccess     = 2 << 5
	classClientError = 4 << 5
	classServerError = 5 << 5
)

// 请求方法
const (
	GET = classMethod + iota + 1
	POST
	PUT
	DELETE
)

// 响应码
const (
	Created  = classSuccess | 1
	Deleted  = classSuccess | 2
	Valid    = classSuccess | 3
	Changed  = classSuccess | 4
	Content  = classSuccess | 5
	Continue = classSuccess | 31

	BadRequest               = classClientError | 0
	Unauthorized             = classClientError | 1
	BadOption                = classClientError | 2
	Forbidden                = classClientError | 3
	NotFound                 = classClientError | 4
	MethodNotAllowed         = classClientError | 5
	NotAcceptable            = classClientError | 6
	RequestEntityIncomplete  = classClientError | 8
	PreconditionFailed       = classClientError | 12
	RequestEntityTooLarge    = classClientError | 13
	UnsupportedContentFormat = classClientError | 15

	InternalServerError  = classServerError | 0
	NotImplemented       = classServerError | 1
	BadGateway           = classServerError | 2
	ServiceUnavailable   = classServerError | 3
	GatewayTimeout       = classServerError | 4
	ProxyingNotSupported = classServerError | 5
)

// 未列出的代码以 c.dd 形式显示
var codeNames = map[uint8]string{
	0: "Empty", GET: "GET", POST: "POST", PUT: "PUT", DELETE: "DELETE",

	Created: "Created", Deleted: "Deleted", Valid: "Valid", Changed: "Changed",
	Content: "Content", Continue: "Continue",

	BadRequest: "BadRequest", Unauthorized: "Unauthorized", BadOption: "BadOption",
	Forbidden: "Forbidden", NotFound: "NotFound", MethodNotAllowed: "MethodNotAllowed",
	NotAcceptable: "NotAcceptable", RequestEntityIncomplete: "RequestEntityIncomplete",
	PreconditionFailed: "PreconditionFailed", RequestEntityTooLarge: "RequestEntityTooLarge",
	UnsupportedContentFormat: "UnsupportedContentFormat",

	InternalServerError: "InternalServerError", NotImplemented: "NotImplemented",
	BadGateway: "BadGateway", ServiceUnavailable: "ServiceUnavailable",
	GatewayTimeout: "GatewayTimeout", ProxyingNotSupported: "ProxyingNotSupported",
}

// CodeName 返回代码名称.
func CodeName(c uint8) string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}

// IsRequest reports whether c is a method code (0.01-0.31).
func IsRequest(c uint8) bool {
	return c != 0 && c>>5 == 0
}

// IsResponse reports whether c is in the response classes 2.xx-5.xx.
func IsResponse(c uint8) bool {
	class := c >> 5
	return class >= 2 && class <= 5
}

// IsSuccess reports whether c is a 2.xx code.
func IsSuccess(c uint8) bool {
	return c>>5 == 2
}

// Content formats used by LWM2M.
const (
	TextPlain       = 0
	AppLinkFormat   = 40
	AppOctets       = 42
	AppJSON         = 50
	AppCBOR         = 60
	AppSenMLJSON    = 110
	AppSenMLCBOR    = 112
	AppLwm2mTLV     = 11542
	AppLwm2mJSON    = 11543
	AppLwm2mOldTLV  = 1542
	AppLwm2mOldJSON = 1543
)
