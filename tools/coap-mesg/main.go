package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/tools/coaputil"
)

// Args 构造一条原始消息的参数, 不经过 Context, 用于测试对端对各类报文的处理.
type Args struct {
	Addr      string
	Type      int
	Code      int
	MessageID int
	Token     string
	Options   coaputil.OptionArgs
	Payload   string
	Read      bool
	Wait      time.Duration
	Hex       string
}

func (p *Args) Parse(fs *flag.FlagSet, args []string) error {
	fs.StringVar(&p.Addr, "addr", "localhost:5683", "address")
	fs.IntVar(&p.Type, "type", 0, "message type, 0:CON 1:NON 2:ACK 3:RST")
	fs.IntVar(&p.Code, "code", 0, "message code, class<<5|detail")
	fs.IntVar(&p.MessageID, "id", 0, "message id")
	fs.StringVar(&p.Token, "token", "", "token")
	fs.Var(&p.Options.Named, "option", "option, \"Name: value\"")
	fs.Var(&p.Options.Empty, "empty-option", "empty option")
	fs.Var(&p.Options.Uint, "uint-option", "uint option")
	fs.Var(&p.Options.String, "string-option", "string option")
	fs.Var(&p.Options.Opaque, "opaque-option", "opaque option")
	fs.StringVar(&p.Payload, "payload", "", "message payload")
	fs.BoolVar(&p.Read, "read", false, "read one message")
	fs.DurationVar(&p.Wait, "wait", 5*time.Second, "read deadline")
	fs.StringVar(&p.Hex, "hex", "", "decode a hex encoded message and exit")
	return fs.Parse(args)
}

func MakeMessage(a *Args) (base.Message, error) {
	if a.Type < 0 || a.Type > 3 {
		return base.Message{}, errors.Errorf("invalid message type %d", a.Type)
	}
	if a.Code < 0 || a.Code > 0xff {
		return base.Message{}, errors.Errorf("invalid message code %d", a.Code)
	}
	if a.MessageID < 0 || a.MessageID > 0xffff {
		return base.Message{}, errors.Errorf("invalid message id %d", a.MessageID)
	}
	var opts lwm2m.Options
	if err := a.Options.AddTo(&opts); err != nil {
		return base.Message{}, err
	}
	m := base.Message{
		Type:      uint8(a.Type),
		Code:      uint8(a.Code),
		MessageID: uint16(a.MessageID),
		Token:     a.Token,
		Options:   base.Options(opts),
	}
	if a.Payload != "" {
		m.Payload = []byte(a.Payload)
	}
	return m, nil
}

func WriteMessage(w io.Writer, m base.Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func ReadMessage(r io.Reader) (m base.Message, err error) {
	var buf [1500]byte
	n, err := r.Read(buf[:])
	if err != nil {
		return base.Message{}, err
	}
	err = m.Unmarshal(buf[:n])
	return m, err
}

// DecodeHex 解析十六进制的数据报, 可以包含空白.
func DecodeHex(s string) (base.Message, error) {
	data, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return base.Message{}, errors.Wrap(err, "decode hex")
	}
	var m base.Message
	err = m.Unmarshal(data)
	return m, err
}

func PrintMessage(w io.Writer, m base.Message) {
	fmt.Fprintf(w, "%s\n", m)
	m.Options.Write(w)
	if len(m.Payload) > 0 {
		fmt.Fprintf(w, "\n%s\n", m.Payload)
	}
}

func main() {
	var args Args
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	args.Parse(fs, os.Args[1:])

	if args.Hex != "" {
		m, err := DecodeHex(args.Hex)
		PrintMessage(os.Stdout, m)
		if err != nil {
			fmt.Printf("\n%v\n", err)
			os.Exit(1)
		}
		return
	}

	msg, err := MakeMessage(&args)
	if err != nil {
		fmt.Printf("make message: %v\n", err)
		os.Exit(2)
	}

	conn, err := net.Dial("udp", args.Addr)
	if err != nil {
		fmt.Printf("dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("coap server: %v\n", args.Addr)
	PrintMessage(os.Stdout, msg)
	if err = WriteMessage(conn, msg); err != nil {
		fmt.Printf("write message: %v\n", err)
		os.Exit(1)
	}

	if args.Read {
		conn.SetReadDeadline(time.Now().Add(args.Wait))
		rmsg, err := ReadMessage(conn)
		if err != nil {
			fmt.Printf("read message: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		PrintMessage(os.Stdout, rmsg)
	}
}
