package lwm2m

import (
	"fmt"
	"io"
)

func PrintRequest(w io.Writer, r *Request, body bool) {
	fmt.Fprintf(w, "CON[%t] %s %s\n", r.Confirmable, r.Method, r.URL)
	r.Options.Write(w)
	if body && len(r.Payload) > 0 {
		fmt.Fprintf(w, "\n%s\n", r.Payload)
	}
}

func PrintResponse(w io.Writer, r *Response, body bool) {
	fmt.Fprintf(w, "ACK[%t] %s %v\n", r.Ack, r.Status, r.RemoteAddr)
	r.Options.Write(w)
	if body && len(r.Payload) > 0 {
		fmt.Fprintf(w, "\n%s\n", r.Payload)
	}
}
