package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/stellarlinkco/deckbot/internal/bus"
	"github.com/stellarlinkco/deckbot/internal/channel"
	"github.com/stellarlinkco/deckbot/internal/config"
	"github.com/stellarlinkco/deckbot/internal/cron"
	"github.com/stellarlinkco/deckbot/internal/events"
	"github.com/stellarlinkco/deckbot/internal/googleauth"
	"github.com/stellarlinkco/deckbot/internal/history"
	"github.com/stellarlinkco/deckbot/internal/router"
	"github.com/stellarlinkco/deckbot/internal/secrets"
	"github.com/stellarlinkco/deckbot/internal/slides"
	"github.com/stellarlinkco/deckbot/pkg/logger"
	"github.com/stellarlinkco/deckbot/pkg/tracing"
)

const (
	serviceName     = "deckbot"
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// SecretResolver rewrites "ssm:" references in place.
type SecretResolver interface {
	ResolveAll(ctx context.Context, values ...*string) error
}

// Options overrides the gateway's collaborators. Zero fields are built from
// the config.
type Options struct {
	Store       history.Store
	Synthesizer router.Synthesizer
	Publisher   events.Publisher
	Secrets     SecretResolver
	Logger      *logger.Logger
	SignalChan  chan os.Signal
}

type Gateway struct {
	cfg        *config.Config
	log        *logger.Logger
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	store      history.Store
	auth       *googleauth.Manager
	synth      *lazySynth
	publisher  events.Publisher
	router     *router.Router
	cron       *cron.Service
	tp         *sdktrace.TracerProvider
	signalChan chan os.Signal

	addr       chan net.Addr
	dispatcher *router.Dispatcher
}

// New creates a Gateway from cfg.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway, using any collaborators set in opts.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	g := &Gateway{
		cfg:        cfg,
		log:        log.Named("gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		addr:       make(chan net.Addr, 1),
	}

	if err := ResolveSecrets(ctx, cfg, opts.Secrets); err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.Tracing.Endpoint)
		if err != nil {
			g.log.Warn("tracing disabled", zap.Error(err))
		} else {
			g.tp = tp
		}
	}

	g.store = opts.Store
	if g.store == nil {
		store, err := history.Open(ctx, history.Options{
			Backend:     cfg.History.Backend,
			DBPath:      cfg.History.DBPath,
			DynamoTable: cfg.History.DynamoTable,
			Region:      cfg.AWS.Region,
			Retention:   cfg.History.Retention(),
		})
		if err != nil {
			g.closeResources()
			return nil, fmt.Errorf("open history store: %w", err)
		}
		g.store = store
	}

	auth, err := googleauth.New(googleauth.Config{
		ClientID:     cfg.Slides.ClientID,
		ClientSecret: cfg.Slides.ClientSecret,
		RedirectURL:  cfg.Slides.RedirectURL,
		RefreshToken: cfg.Slides.RefreshToken,
		TokenPath:    cfg.Slides.TokenPath,
	}, log)
	if err != nil {
		g.log.Warn("google oauth unavailable, /presentation will fail", zap.Error(err))
	} else {
		g.auth = auth
	}

	g.synth = &lazySynth{build: g.buildSynthesizer}
	if opts.Synthesizer != nil {
		s := opts.Synthesizer
		g.synth.build = func(context.Context) (router.Synthesizer, error) { return s, nil }
	}

	g.publisher = opts.Publisher
	if g.publisher == nil {
		g.publisher = events.Nop{}
		if cfg.Events.NATSURL != "" {
			pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, log)
			if err != nil {
				g.log.Warn("deck events disabled", zap.Error(err))
			} else {
				g.publisher = pub
			}
		}
	}

	replies, err := router.LoadReplies(cfg.Router.RepliesPath)
	if err != nil {
		g.log.Warn("using default replies", zap.String("path", cfg.Router.RepliesPath), zap.Error(err))
	}

	g.router = router.New(g.synth, g.store, router.Options{
		Replies:      replies,
		LogChatTurns: cfg.History.LogChatTurns,
		StoreTimeout: cfg.History.TimeoutDuration(),
		Sessions:     router.NewSessions(cfg.Router.SessionCapacity),
		Publisher:    g.publisher,
		Logger:       log,
	})

	g.cron = cron.NewService(log)
	if err := g.cron.AddMaintenance(cfg.Gateway.MaintenanceSpec, g.store, cfg.History.Retention(),
		g.router.Sessions(), cfg.Router.SessionIdleTTLDuration()); err != nil {
		g.closeResources()
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// ResolveSecrets replaces "ssm:" references in cfg's secret fields. A nil
// resolver means SSM in the configured AWS region.
func ResolveSecrets(ctx context.Context, cfg *config.Config, r SecretResolver) error {
	fields := cfg.SecretFields()
	needed := false
	for _, f := range fields {
		if secrets.IsReference(*f) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	if r == nil {
		res, err := secrets.NewAWSResolver(ctx, cfg.AWS.Region)
		if err != nil {
			return fmt.Errorf("init secret resolver: %w", err)
		}
		r = res
	}
	if err := r.ResolveAll(ctx, fields...); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	return nil
}

// buildSynthesizer connects to the Slides API with the stored OAuth token.
func (g *Gateway) buildSynthesizer(ctx context.Context) (router.Synthesizer, error) {
	if g.auth == nil {
		return nil, errNoOAuthClient
	}
	// The token source refreshes in the background; it must outlive ctx.
	ts, err := g.auth.TokenSource(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	svc, err := slides.NewGoogleService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, err
	}
	return slides.NewSynthesizer(svc, slides.Options{
		CallTimeout: g.cfg.Slides.CallTimeoutDuration(),
		Logger:      g.log,
	}), nil
}

// Addr returns the ops server's listen address once Run has bound it.
func (g *Gateway) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-g.addr:
		g.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves until a shutdown signal arrives or ctx is cancelled. Queued
// messages are drained before replies stop flowing.
func (g *Gateway) Run(ctx context.Context) error {
	handler, err := g.Handler()
	if err != nil {
		return err
	}
	listenAddr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	g.addr <- ln.Addr()

	// Replies keep flowing while the dispatcher drains after shutdown starts.
	base := context.WithoutCancel(ctx)
	outCtx, stopOutbound := context.WithCancel(base)
	outDone := make(chan struct{})
	go func() {
		g.bus.DispatchOutbound(outCtx)
		close(outDone)
	}()
	dispatchCtx, stopDispatch := context.WithCancel(base)
	g.dispatcher = router.NewDispatcher(dispatchCtx, g.cfg.Router.MaxConcurrent, g.handle).WithLogger(g.log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(runCtx)

	if err := g.channels.StartAll(gctx); err != nil {
		cancel()
		_ = ln.Close()
		stopDispatch()
		stopOutbound()
		<-outDone
		return errors.Join(fmt.Errorf("start channels: %w", err), g.Shutdown())
	}
	g.log.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.cron.Start(gctx); err != nil {
		g.log.Warn("cron start failed", zap.Error(err))
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	grp.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(base, shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		g.inboundLoop(gctx)
		return nil
	})
	grp.Go(func() error {
		sigCh := g.signalChan
		if sigCh == nil {
			sigCh = make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
		}
		select {
		case <-sigCh:
			g.log.Info("shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.log.Info("running", zap.String("addr", ln.Addr().String()))
	runErr := grp.Wait()

	g.drain(stopDispatch)
	stopOutbound()
	<-outDone

	return errors.Join(runErr, g.Shutdown())
}

func (g *Gateway) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bus.Inbound:
			err := g.dispatcher.Submit(router.Message{
				ConversationID: msg.ConversationID(),
				Channel:        msg.Channel,
				ChatID:         msg.ChatID,
				Text:           msg.Content,
			})
			if err != nil {
				g.log.Warn("message dropped", zap.String("conversation_id", msg.ConversationID()), zap.Error(err))
			}
		}
	}
}

// handle runs one message through the router and queues the reply.
func (g *Gateway) handle(ctx context.Context, msg router.Message) {
	reply := g.router.Handle(ctx, msg)
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply.Text,
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
		g.log.Warn("reply dropped", zap.String("conversation_id", msg.ConversationID), zap.Error(ctx.Err()))
	}
}

// drain waits for queued messages, then cancels whatever is still running.
func (g *Gateway) drain(stop context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		g.dispatcher.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		g.log.Warn("drain timeout, cancelling in-flight messages")
	}
	stop()
	<-done
}

// Shutdown stops background work and releases resources.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	err := g.closeResources()
	g.log.Info("shutdown complete")
	return err
}

func (g *Gateway) closeResources() error {
	var errs []error
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history store: %w", err))
		}
	}
	if p, ok := g.publisher.(interface{ Close() }); ok {
		p.Close()
	}
	if g.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(ctx, g.tp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
