package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/logger"
	"github.com/ironzhang/lwm2m/tools/coaputil"
)

type Args struct {
	Config      string
	EnvFile     string
	Addr        string
	MetricsAddr string
	Multicast   bool
	Drain       time.Duration
}

func (a *Args) Parse(fs *flag.FlagSet, args []string) error {
	fs.StringVar(&a.Config, "config", "", "config file")
	fs.StringVar(&a.EnvFile, "env-file", ".env", "env file")
	fs.StringVar(&a.Addr, "addr", ":5683", "listen address")
	fs.StringVar(&a.MetricsAddr, "metrics-addr", ":9683", "prometheus metrics address, empty to disable")
	fs.BoolVar(&a.Multicast, "multicast", false, "join the All CoAP Nodes group")
	fs.DurationVar(&a.Drain, "drain", 10*time.Second, "battery level change interval")
	return fs.Parse(args)
}

func run(a *Args) error {
	if err := godotenv.Load(a.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "load env file")
	}
	cfg, err := lwm2m.LoadConfig(a.Config)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	conn, err := coaputil.Listen(a.Addr)
	if err != nil {
		return err
	}
	dev := NewDevice(uuid.NewString(), log)
	host, err := coaputil.NewHost(conn, cfg, dev, log, lwm2m.WithReader(dev), lwm2m.WithRegisterer(reg))
	if err != nil {
		conn.Close()
		return err
	}
	dev.attrs = func(r *lwm2m.Request, u lwm2m.AttributeUpdate) error {
		return host.Context().SetAttributes(r.RemoteAddr, r.Path(), u)
	}
	if a.Multicast {
		if err = host.JoinGroup(nil, coaputil.AllCoAPNodes); err != nil {
			log.Warn("join multicast group", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	log.Info("listen and serve", zap.Stringer("addr", host.LocalAddr()), zap.String("serial", dev.Serial))
	g.Go(func() error {
		return host.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(a.Drain)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				err := host.Do(ctx, func(c *lwm2m.Context, now time.Time) error {
					dev.Drain()
					c.Changed(fmt.Sprintf("%s/%d", deviceURI, batteryLevel))
					return nil
				})
				if err != nil && ctx.Err() == nil {
					return err
				}
			}
		}
	})
	if a.MetricsAddr != "" {
		srv := &http.Server{Addr: a.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			log.Info("metrics", zap.String("addr", a.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	return g.Wait()
}

func main() {
	var args Args
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	args.Parse(fs, os.Args[1:])
	if err := run(&args); err != nil {
		fmt.Fprintf(os.Stderr, "coap-server: %v\n", err)
		os.Exit(1)
	}
}
