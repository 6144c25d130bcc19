package flydns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/dnscodec"
	"github.com/cryguy/flydns/internal/telemetry"
)

const (
	defaultMaxInFlight    = 256
	defaultQueryTimeout   = 5 * time.Second
	defaultTCPIdleTimeout = 10 * time.Second
	shutdownGrace         = 5 * time.Second

	// UDP payloads are capped by EDNS0 at 64KiB.
	udpReadBuffer = 65535
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr           string        // host:port for both UDP and TCP
	MaxInFlight    int           // concurrent queries being handled
	MaxQPS         float64       // 0 disables rate limiting
	QueryTimeout   time.Duration // per-query budget including queueing
	TCPIdleTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Server answers DNS queries over UDP and TCP by routing each one through
// a Selector.
type Server struct {
	cfg      ServerConfig
	selector Selector
	limiter  *rate.Limiter
	logger   *slog.Logger

	// inflight holds one token per query being handled.
	inflight chan struct{}
}

// NewServer creates a server. The selector must already be bound to a
// running handle.
func NewServer(cfg ServerConfig, selector Selector) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.TCPIdleTimeout <= 0 {
		cfg.TCPIdleTimeout = defaultTCPIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		selector: selector,
		logger:   cfg.Logger,
		inflight: make(chan struct{}, cfg.MaxInFlight),
	}
	if cfg.MaxQPS > 0 {
		burst := max(int(cfg.MaxQPS), 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), burst)
	}
	return s
}

// ListenAndServe binds UDP and TCP on cfg.Addr and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", s.cfg.Addr, err)
	}
	// With port 0 the TCP listener follows whatever port UDP got.
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("listening on tcp %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("dns server listening", "addr", pc.LocalAddr().String())
	return s.Serve(ctx, pc, ln)
}

// Serve answers queries on pc and ln until ctx is cancelled or a listener
// fails. Either may be nil. Serve closes both before returning and waits
// for in-flight queries to finish.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn, ln net.Listener) error {
	if pc == nil && ln == nil {
		return errors.New("no listeners")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var servers []*dns.Server
	if pc != nil {
		servers = append(servers, &dns.Server{
			PacketConn:     pc,
			UDPSize:        udpReadBuffer,
			Handler:        s.handler(ctx, dnscodec.TransportUDP),
			MsgInvalidFunc: s.invalid(dnscodec.TransportUDP),
		})
	}
	if ln != nil {
		servers = append(servers, &dns.Server{
			Listener:       ln,
			ReadTimeout:    s.cfg.TCPIdleTimeout,
			WriteTimeout:   s.cfg.TCPIdleTimeout,
			IdleTimeout:    func() time.Duration { return s.cfg.TCPIdleTimeout },
			Handler:        s.handler(ctx, dnscodec.TransportTCP),
			MsgInvalidFunc: s.invalid(dnscodec.TransportTCP),
		})
	}

	var lifecycle conc.WaitGroup
	for _, srv := range servers {
		srv.MsgAcceptFunc = acceptQueries
		started := make(chan struct{})
		stopped := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }

		lifecycle.Go(func() {
			defer close(stopped)
			if err := srv.ActivateAndServe(); err != nil && ctx.Err() == nil {
				cancel(fmt.Errorf("serving dns: %w", err))
			}
		})
		lifecycle.Go(func() {
			select {
			case <-started:
			case <-stopped:
				return
			}
			<-ctx.Done()
			sctx, stop := context.WithTimeout(context.Background(), shutdownGrace)
			defer stop()
			if err := srv.ShutdownContext(sctx); err != nil {
				s.logger.Debug("dns server shutdown", "error", err)
			}
		})
	}
	lifecycle.Wait()

	// Every token back in hand means no query is still being handled.
	for range cap(s.inflight) {
		s.inflight <- struct{}{}
	}
	for range cap(s.inflight) {
		<-s.inflight
	}

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// acceptQueries lets through anything that is not a response. Question
// counts are checked after decoding so they get a FORMERR.
func acceptQueries(dh dns.Header) dns.MsgAcceptAction {
	if dh.Bits&(1<<15) != 0 {
		return dns.MsgIgnore
	}
	return dns.MsgAccept
}

// invalid reports packets that could not be unpacked. The dns server
// itself answers FORMERR when the header was readable and drops the rest.
func (s *Server) invalid(transport string) dns.MsgInvalidFunc {
	return func(raw []byte, err error) {
		s.logger.Warn("malformed query", "transport", transport, "bytes", len(raw), "error", err)
		s.cfg.Metrics.RecordDrop(context.Background(), transport, "malformed")
	}
}

func (s *Server) handler(ctx context.Context, transport string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, query *dns.Msg) {
		meta := dnscodec.RequestMeta{RemoteAddr: w.RemoteAddr().String(), Transport: transport}

		wait := time.NewTimer(s.cfg.QueryTimeout)
		select {
		case s.inflight <- struct{}{}:
			wait.Stop()
		case <-wait.C:
			s.logger.Warn("query dropped, too many in flight", "remote", meta.RemoteAddr)
			s.cfg.Metrics.RecordDrop(ctx, transport, "busy")
			return
		case <-ctx.Done():
			wait.Stop()
			return
		}
		out := s.handle(ctx, query, meta)
		<-s.inflight

		if out == nil {
			if transport == dnscodec.TransportTCP {
				_ = w.Close()
			}
			return
		}
		if _, err := w.Write(out); err != nil && ctx.Err() == nil {
			s.logger.Debug("write failed", "transport", transport, "remote", meta.RemoteAddr, "error", err)
		}
	}
}

// handle turns one query into the bytes to send back, or nil when the
// query gets no answer. Every failure stays local to this query.
func (s *Server) handle(ctx context.Context, query *dns.Msg, meta dnscodec.RequestMeta) []byte {
	start := time.Now()
	queryID := uuid.NewString()
	logger := s.logger.With("query_id", queryID, "transport", meta.Transport, "remote", meta.RemoteAddr)

	if s.limiter != nil && !s.limiter.Allow() {
		logger.Debug("query rate limited")
		return s.reply(ctx, query, dns.RcodeRefused, meta, start)
	}

	req, err := dnscodec.FromMsg(query, meta)
	if err != nil {
		logger.Warn("malformed query", "error", err)
		return s.reply(ctx, query, dns.RcodeFormatError, meta, start)
	}
	q := req.Queries[0]
	logger = logger.With("name", q.Name, "type", q.Type)

	handle := s.selector.Select(RequestContext{
		QueryID:    queryID,
		RemoteAddr: meta.RemoteAddr,
		Transport:  meta.Transport,
		Request:    req,
	})

	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	resp, err := handle.Invoke(qctx, req)
	cancel()

	if err != nil {
		rcode := dns.RcodeServerFailure
		switch {
		case errors.Is(err, core.ErrNoResponse):
			rcode = dns.RcodeRefused
			logger.Debug("no listener answered")
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("query timed out", "error", err)
		case errors.Is(err, context.Canceled) || errors.Is(err, ErrRuntimeClosed):
			if meta.Transport == dnscodec.TransportTCP {
				return nil
			}
			logger.Warn("query abandoned", "error", err)
		default:
			var serr *core.ScriptError
			if errors.As(err, &serr) {
				logger.Warn("script failed", "error", err)
			} else {
				logger.Error("invocation failed", "error", err)
			}
		}
		return s.reply(ctx, query, rcode, meta, start)
	}

	out, err := dnscodec.Encode(query, resp, dnscodec.MaxSize(query, meta.Transport))
	if err != nil {
		logger.Warn("encoding response", "error", err)
		return s.reply(ctx, query, dns.RcodeServerFailure, meta, start)
	}
	s.cfg.Metrics.RecordQuery(ctx, meta.Transport, resp.Rcode, time.Since(start))
	logger.Debug("answered", "rcode", resp.Rcode, "answers", len(resp.Answers), "took", time.Since(start))
	return out
}

// reply answers a query with an empty rcode message.
func (s *Server) reply(ctx context.Context, query *dns.Msg, rcode int, meta dnscodec.RequestMeta, start time.Time) []byte {
	out, err := dnscodec.ErrorReply(query, rcode)
	if err != nil {
		s.logger.Error("packing error reply", "error", err)
		s.cfg.Metrics.RecordDrop(ctx, meta.Transport, "pack")
		return nil
	}
	s.cfg.Metrics.RecordQuery(ctx, meta.Transport, dns.RcodeToString[rcode], time.Since(start))
	return out
}
