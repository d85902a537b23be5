package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"shiftbell/internal/boundary"
	"shiftbell/internal/schedule"
	"shiftbell/internal/season"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

// Schedule is the query side of schedule.Service.
type Schedule interface {
	Today(now time.Time) (schedule.Resolved, error)
	Upcoming(now time.Time, n int) ([]season.Change, error)
	ICS(now time.Time, alarmBefore time.Duration) (string, error)
	Location() *time.Location
	Loaded() bool
}

type Recipients interface {
	SaveRecipient(ctx context.Context, r storage.Recipient) (storage.Recipient, error)
	RemoveRecipient(ctx context.Context, channel, address string) (bool, error)
}

type Notifier interface {
	SendTo(ctx context.Context, to storage.Recipient, m transport.Message) error
}

type Senders interface {
	Lookup(channel string) (transport.Sender, bool)
}

// Deps are the services behind the API. Nil members disable their endpoints
// with 503.
type Deps struct {
	Schedule   Schedule
	Recipients Recipients
	Notifier   Notifier
	Senders    Senders
	Tick       func(ctx context.Context, now time.Time) boundary.TickResult

	// Status adds named sections to /api/health.
	Status map[string]func() any

	Now func() time.Time
}

var defaultOrigins = []string{"http://localhost:3000", "http://127.0.0.1:5500"}

var defaultOriginSuffixes = []string{".github.io"}

// NewRouter builds the chi router with the middleware stack and routes.
func NewRouter(cfg Config, deps Deps, log logx.Logger) *chi.Mux {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handler{cfg: cfg, deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(newCORS(cfg).Handler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Get("/schedule/today", h.today)
		r.Get("/schedule/today.ics", h.todayICS)
		r.Get("/season/changes", h.seasonChanges)

		r.Post("/save-token", h.saveToken)
		r.Delete("/save-token", h.deleteToken)
		r.Post("/test-notification", h.testNotification)

		r.With(bearerAuth(cfg.TickToken)).Post("/tick", h.tick)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// newCORS admits the exact whitelist plus any origin whose host ends with an
// allowed suffix. Requests without an Origin are not CORS and pass through.
func newCORS(cfg Config) *corslib.Cors {
	origins, suffixes := cfg.CORSOrigins, cfg.CORSOriginSuffixes
	if len(origins) == 0 && len(suffixes) == 0 {
		origins, suffixes = defaultOrigins, defaultOriginSuffixes
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return corslib.New(corslib.Options{
		AllowOriginFunc: func(origin string) bool {
			return allowed["*"] || allowed[origin] || originHasSuffix(origin, suffixes)
		},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
			http.MethodPost, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:       []string{"Content-Type", "Authorization"},
		AllowCredentials:     true,
		OptionsSuccessStatus: http.StatusNoContent,
	})
}

func originHasSuffix(origin string, suffixes []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if status >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
