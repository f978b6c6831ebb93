package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// StatusFunc returns a JSON-serialisable snapshot of the owning process.
type StatusFunc func() interface{}

// Server is a small read-only HTTP endpoint exposing /healthz, /status and
// /metrics for a registry or storage node.
type Server struct {
	logger     *zap.Logger
	listenAddr string
	status     StatusFunc
	metrics    fasthttp.RequestHandler
}

// NewServer creates *Server. gatherer may be nil to disable /metrics.
func NewServer(logger *zap.Logger, listenAddr string, status StatusFunc, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:     logger,
		listenAddr: listenAddr,
		status:     status,
	}
	if gatherer != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/healthz":
		ctx.WriteString("ok")
	case "/status":
		s.statusHandler(ctx)
	case "/metrics":
		if s.metrics == nil {
			ctx.NotFound()
			return
		}
		s.metrics(ctx)
	default:
		ctx.NotFound()
	}
}

func (s *Server) statusHandler(ctx *fasthttp.RequestCtx) {
	body, err := json.MarshalIndent(s.status(), "", "  ")
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.Write(body)
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler: s.handler,
		Name:    "overlay",
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			s.logger.Warn("Status server shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("Status server listening", zap.String("address", ln.Addr().String()))
	return srv.Serve(ln)
}
