package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"priceindex/internal/aggregator"
	"priceindex/internal/config"
	"priceindex/internal/httpapi"
	"priceindex/internal/server"
	"priceindex/internal/xchg"
	"priceindex/internal/xchg/binance"
	"priceindex/internal/xchg/huobi"
	"priceindex/internal/xchg/kraken"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run(log zerolog.Logger) error {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		return err
	}

	binanceEx := binance.New(binance.Config{
		WSURL:                 cfg.Exchange.Binance.WSURL,
		RESTURL:               cfg.Exchange.Binance.RESTURL,
		InitialReconnectDelay: time.Duration(cfg.Exchange.Config.InitialReconnectDelaySecs) * time.Second,
		MaxReconnectDelay:     time.Duration(cfg.Exchange.Config.MaxReconnectDelaySecs) * time.Second,
		PingInterval:          time.Duration(cfg.Exchange.Config.PingIntervalSecs) * time.Second,
		PingRetryCount:        int(cfg.Exchange.Config.PingRetryCount),
	}, log)
	defer binanceEx.Close()

	krakenEx := kraken.New(cfg.Exchange.Kraken.URL, log)
	huobiEx := huobi.New(cfg.Exchange.Huobi.URL, log)

	exchanges := []xchg.Exchange{binanceEx, krakenEx, huobiEx}
	agg := aggregator.New(exchanges, cfg.PriceWeighting.DecayFactor, log)
	api := httpapi.New(agg, log)
	srv := server.New(api, log)

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	log.Info().Str("addr", ln.Addr().String()).Msg("serving")

	httpServer := &http.Server{
		Handler: loggingMiddleware(srv, log),
	}

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	return lw.ResponseWriter.Write(b)
}

func (lw *loggingResponseWriter) Flush() {
	if fl, ok := lw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (lw *loggingResponseWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := lw.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

func loggingMiddleware(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", lrw.status).
			Dur("duration", time.Since(start).Round(time.Millisecond)).
			Msg("request")
	})
}
