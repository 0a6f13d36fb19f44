package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

const (
	readyTimeout   = 2 * time.Second
	oauthRateLimit = 10
)

// Handler returns the ops HTTP surface: health, readiness, metrics, the
// OAuth consent flow and, when enabled, the web chat.
func (g *Gateway) Handler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogging(g.log.Named("http")))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/ready", g.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/oauth", func(r chi.Router) {
		r.Use(httprate.Limit(oauthRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}),
		))
		r.Get("/start", g.handleOAuthStart)
		r.Get("/callback", g.handleOAuthCallback)
	})

	if webui := g.channels.WebUI(); webui != nil {
		if err := webui.Routes(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "history store: " + err.Error(),
		})
		return
	}
	if c, ok := g.publisher.(interface{ IsConnected() bool }); ok && !c.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if g.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": errNoOAuthClient.Error()})
		return
	}
	http.Redirect(w, r, g.auth.AuthCodeURL(g.auth.NewState()), http.StatusFound)
}

func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if g.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": errNoOAuthClient.Error()})
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "consent denied: " + e})
		return
	}
	if !g.auth.ConsumeState(q.Get("state")) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired state"})
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code"})
		return
	}

	if _, err := g.auth.Exchange(r.Context(), code); err != nil {
		g.log.Error("oauth exchange failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}
	g.synth.reset()
	g.log.Info("google account authorized")
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
