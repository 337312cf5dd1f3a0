// Command gateway runs a standalone CoAP server exposing a
// streaming.RequestHandler over UDP, DTLS-secured UDP, and CoAP/TCP.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	coapasync "github.com/avsystem/coap-async-go"
	"github.com/avsystem/coap-async-go/streaming"
	"github.com/avsystem/coap-async-go/transport"
	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Config configures RunGateway. Any address left empty disables that
// listener entirely.
type Config struct {
	ListenUDP  string // unsecured UDP, e.g. ":5683"
	ListenDTLS string // DTLS-secured UDP, e.g. ":5684"
	ListenTCP  string // CoAP/TCP, e.g. ":5683"

	Certificates []tls.Certificate

	ServerExchangeDeadline time.Duration

	Handler streaming.RequestHandler
}

type logger struct{}

func (l *logger) Printf(format string, v ...interface{}) {
	logrus.Infof(format, v...)
}

// RunGateway starts every listener named in cfg and blocks until ctx is
// cancelled or one of them fails.
func RunGateway(ctx context.Context, cfg *Config) error {
	eg, ctx := errgroup.WithContext(ctx)

	if cfg.ListenUDP != "" {
		eg.Go(func() error { return serveUDP(ctx, cfg) })
	}
	if cfg.ListenDTLS != "" {
		eg.Go(func() error { return serveDTLS(ctx, cfg) })
	}
	if cfg.ListenTCP != "" {
		eg.Go(func() error { return serveTCP(ctx, cfg) })
	}
	return eg.Wait()
}

func (cfg *Config) options() []coapasync.Option {
	opts := []coapasync.Option{coapasync.WithLogger(&logger{})}
	if cfg.ServerExchangeDeadline > 0 {
		opts = append(opts, coapasync.WithServerExchangeDeadline(cfg.ServerExchangeDeadline))
	}
	return opts
}

func serveUDP(ctx context.Context, cfg *Config) error {
	conn, err := net.ListenPacket("udp", cfg.ListenUDP)
	if err != nil {
		return err
	}
	defer conn.Close()
	logrus.Infof("gateway: listening for CoAP/UDP on %s", cfg.ListenUDP)

	demux := transport.NewUDPServer(conn)
	for {
		peer, err := demux.Accept(ctx)
		if err != nil {
			return err
		}
		srv := streaming.NewServer(peer, cfg.Handler, cfg.options()...)
		go func() {
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("gateway: UDP peer session ended")
			}
		}()
	}
}

func serveDTLS(ctx context.Context, cfg *Config) error {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenDTLS)
	if err != nil {
		return err
	}
	ln, err := piondtls.Listen("udp", laddr, &piondtls.Config{Certificates: cfg.Certificates})
	if err != nil {
		return err
	}
	defer ln.Close()
	logrus.Infof("gateway: listening for CoAP/DTLS on %s", cfg.ListenDTLS)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		peer := transport.NewDTLSServerConn(conn)
		srv := streaming.NewServer(peer, cfg.Handler, cfg.options()...)
		go func() {
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("gateway: DTLS peer session ended")
			}
		}()
	}
}

func serveTCP(ctx context.Context, cfg *Config) error {
	ln, err := net.Listen("tcp", cfg.ListenTCP)
	if err != nil {
		return err
	}
	defer ln.Close()
	logrus.Infof("gateway: listening for CoAP/TCP on %s", cfg.ListenTCP)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			peer, err := transport.NewTCP(conn, 0)
			if err != nil {
				logrus.WithError(err).Warn("gateway: CSM handshake failed")
				_ = conn.Close()
				return
			}
			srv := streaming.NewServer(peer, cfg.Handler, cfg.options()...)
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("gateway: TCP peer session ended")
			}
		}()
	}
}

// echoHandler is the default handler wired up by main: it reflects the
// request body back as a 2.05 Content response, useful as a smoke test
// for exercising the block-wise transfer paths end to end.
func echoHandler(req *streaming.Request) streaming.Response {
	return streaming.Response{Code: codes.Content, Options: req.Options, Body: req.Body}
}

func main() {
	udpAddr := flag.String("udp", ":5683", "address to listen for unsecured CoAP/UDP on, empty to disable")
	dtlsAddr := flag.String("dtls", "", "address to listen for DTLS-secured CoAP/UDP on, empty to disable")
	tcpAddr := flag.String("tcp", "", "address to listen for CoAP/TCP on, empty to disable")
	certFile := flag.String("cert", "", "TLS certificate file, required if -dtls is set")
	keyFile := flag.String("key", "", "TLS key file, required if -dtls is set")
	flag.Parse()

	cfg := &Config{
		ListenUDP:              *udpAddr,
		ListenDTLS:             *dtlsAddr,
		ListenTCP:              *tcpAddr,
		ServerExchangeDeadline: coapasync.DefaultServerExchangeDeadline,
		Handler:                echoHandler,
	}

	if cfg.ListenDTLS != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			logrus.WithError(err).Fatal("gateway: failed to load DTLS certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunGateway(ctx, cfg); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("gateway: exited")
	}
}
