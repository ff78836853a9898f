package api

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/go-chi/cors"
    "github.com/rs/zerolog/log"

    "github.com/fitdesk/fitdesk-server/internal/attendance"
    "github.com/fitdesk/fitdesk-server/internal/auth"
    "github.com/fitdesk/fitdesk-server/internal/campaign"
    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/messenger"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/internal/validation"
)

// Services are the components the REST API drives
type Services struct {
    Store      storage.Store
    Auth       *auth.JWTManager
    Campaigns  *campaign.Engine
    Attendance *attendance.Syncer
    Messenger  *messenger.Gateway
}

// RESTServer represents the REST API server
type RESTServer struct {
    config     *config.Config
    store      storage.Store
    auth       *auth.JWTManager
    campaigns  *campaign.Engine
    attendance *attendance.Syncer
    messenger  *messenger.Gateway
    validator  *validation.Validator
    router     chi.Router
    server     *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, svc Services) *RESTServer {
    s := &RESTServer{
        config:     cfg,
        store:      svc.Store,
        auth:       svc.Auth,
        campaigns:  svc.Campaigns,
        attendance: svc.Attendance,
        messenger:  svc.Messenger,
        validator:  validation.NewValidator(),
        router:     chi.NewRouter(),
    }

    s.setupRoutes()

    s.server = &http.Server{
        Handler:      s.router,
        ReadTimeout:  15 * time.Second,
        WriteTimeout: 2 * time.Minute,
        IdleTimeout:  60 * time.Second,
    }

    return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
    // Middleware
    s.router.Use(middleware.RequestID)
    s.router.Use(middleware.RealIP)
    s.router.Use(middleware.Logger)
    s.router.Use(middleware.Recoverer)
    // 终端操作可能需要较长时间
    s.router.Use(middleware.Timeout(90 * time.Second))

    // CORS
    s.router.Use(cors.Handler(cors.Options{
        AllowedOrigins:   s.config.API.CORSOrigins,
        AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
        AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
        ExposedHeaders:   []string{"Link"},
        AllowCredentials: true,
        MaxAge:           300,
    }))

    // API routes
    s.router.Route("/api/v1", func(r chi.Router) {
        s.setupAPIRoutes(r)
    })
}

// Handler exposes the router, used by tests
func (s *RESTServer) Handler() http.Handler {
    return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
    s.server.Addr = addr
    log.Info().Str("addr", addr).Msg("Starting REST API server")
    return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
    return s.server.Shutdown(ctx)
}

type contextKey string

const claimsKey contextKey = "claims"

// claimsFrom returns the caller's claims set by authMiddleware
func claimsFrom(ctx context.Context) *auth.Claims {
    claims, _ := ctx.Value(claimsKey).(*auth.Claims)
    return claims
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        // Get token from header
        authHeader := r.Header.Get("Authorization")
        if authHeader == "" {
            s.respondError(w, http.StatusUnauthorized, "missing authorization header")
            return
        }

        // Parse Bearer token
        parts := strings.Split(authHeader, " ")
        if len(parts) != 2 || parts[0] != "Bearer" {
            s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
            return
        }

        // Validate token
        claims, err := s.auth.ValidateToken(parts[1])
        if err != nil {
            s.respondError(w, http.StatusUnauthorized, "invalid token")
            return
        }

        // Add claims to context
        ctx := context.WithValue(r.Context(), claimsKey, claims)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

// requireRole rejects callers whose role is not listed
func (s *RESTServer) requireRole(roles ...models.UserRole) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            claims := claimsFrom(r.Context())
            if claims == nil {
                s.respondError(w, http.StatusUnauthorized, "not authenticated")
                return
            }
            for _, role := range roles {
                if claims.Role == role {
                    next.ServeHTTP(w, r)
                    return
                }
            }
            s.respondError(w, http.StatusForbidden, "insufficient role")
        })
    }
}
