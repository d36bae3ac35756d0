package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/logger"
	"github.com/ironzhang/lwm2m/tools/coaputil"
)

type Args struct {
	Confirmable bool
	Observe     bool
	Options     coaputil.OptionArgs
	Data        string
	InFile      string
	OutFile     string
	Config      string
	LogLevel    string
	Timeout     time.Duration
	Method      lwm2m.Code
	URL         string
}

func ParseMethod(s string) (lwm2m.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return lwm2m.GET, nil
	case "POST":
		return lwm2m.POST, nil
	case "PUT":
		return lwm2m.PUT, nil
	case "DELETE":
		return lwm2m.DELETE, nil
	default:
		return 0, errors.Errorf("unknown coap method: %v", s)
	}
}

// usage
// coap-curl -X PUT --option "Content-Format: 0" --data '42' coap://localhost/3/0/9
// coap-curl --observe coap://localhost/3/0/9
func (a *Args) Parse(fs *flag.FlagSet, args []string) error {
	var method string
	fs.BoolVar(&a.Confirmable, "con", true, "confirmable")
	fs.BoolVar(&a.Observe, "observe", false, "observe the resource and print notifications")
	fs.Var(&a.Options.Named, "option", "option, \"Name: value\"")
	fs.Var(&a.Options.Empty, "empty-option", "empty option, \"ID\"")
	fs.Var(&a.Options.Uint, "uint-option", "uint option, \"ID: value\"")
	fs.Var(&a.Options.String, "string-option", "string option, \"ID: value\"")
	fs.Var(&a.Options.Opaque, "opaque-option", "opaque option, \"ID: value\"")
	fs.StringVar(&a.Data, "data", "", "payload")
	fs.StringVar(&a.InFile, "in-file", "", "read payload from file")
	fs.StringVar(&a.OutFile, "out-file", "", "write response payload to file")
	fs.StringVar(&a.Config, "config", "", "config file")
	fs.StringVar(&a.LogLevel, "log-level", "warn", "log level")
	fs.DurationVar(&a.Timeout, "timeout", 2*time.Minute, "request timeout")
	fs.StringVar(&method, "X", "GET", "method")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if a.Method, err = ParseMethod(method); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("no url")
	}
	a.URL = fs.Arg(0)
	return nil
}

func MakePayload(data string, infile string) ([]byte, error) {
	if data != "" {
		return []byte(data), nil
	}
	if infile != "" {
		payload, err := os.ReadFile(infile)
		if err != nil {
			return nil, errors.Wrap(err, "read payload")
		}
		return payload, nil
	}
	return nil, nil
}

func MakeRequest(a *Args) (*lwm2m.Request, error) {
	payload, err := MakePayload(a.Data, a.InFile)
	if err != nil {
		return nil, err
	}
	req, err := lwm2m.NewRequest(a.Confirmable, a.Method, a.URL, payload)
	if err != nil {
		return nil, err
	}
	if err = a.Options.AddTo(&req.Options); err != nil {
		return nil, err
	}
	if a.Observe {
		req.Options.Set(lwm2m.Observe, lwm2m.ObserveRegister)
	}
	return req, nil
}

func run(a *Args) error {
	cfg := lwm2m.DefaultConfig()
	if a.Config != "" {
		var err error
		if cfg, err = lwm2m.LoadConfig(a.Config); err != nil {
			return err
		}
	}
	cfg.Log.Level = a.LogLevel
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	req, err := MakeRequest(a)
	if err != nil {
		return errors.Wrap(err, "make request")
	}
	peer, err := coaputil.ResolvePeer(req)
	if err != nil {
		return err
	}
	lwm2m.PrintRequest(os.Stdout, req, true)

	conn, err := coaputil.Listen(":0")
	if err != nil {
		return err
	}
	observer := lwm2m.ObserverFunc(func(r *lwm2m.Response) {
		seq, _ := r.Observe()
		fmt.Printf("\nnotification %d\n", seq)
		lwm2m.PrintResponse(os.Stdout, r, true)
	})
	host, err := coaputil.NewHost(conn, cfg, nil, log, lwm2m.WithObserver(observer))
	if err != nil {
		conn.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()

	callCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	resp, err := host.Call(callCtx, peer, req)
	cancel()
	if err != nil {
		stop()
		<-done
		return errors.Wrap(err, "send request")
	}
	lwm2m.PrintResponse(os.Stdout, resp, true)

	if a.OutFile != "" {
		if err = os.WriteFile(a.OutFile, resp.Payload, 0664); err != nil {
			log.Warn("write file", zap.String("file", a.OutFile), zap.Error(err))
		}
	}
	if _, ok := resp.Observe(); !ok {
		stop()
	}
	return <-done
}

func main() {
	var args Args
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	if err := args.Parse(fs, os.Args[1:]); err != nil {
		fmt.Printf("parse args: %v\n", err)
		fs.Usage()
		os.Exit(2)
	}
	if err := run(&args); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}
