package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/syncx"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// Roles recognized by the workflow routing rules.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
)

// Actor is the authenticated user attached to a request.
type Actor struct {
	ID       uuid.UUID
	Username string
	Role     string
}

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// ValidateToken parses and validates an HS256 bearer token, returning the
// subject claim.
func ValidateToken(tok string, cfg JWTCfg) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		// Verify signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil {
		return "", err
	}
	if !t.Valid {
		return "", jwt.ErrTokenUnverifiable
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// Middleware creates HTTP middleware for JWT authentication.
// The token subject is a username; the matching live, active row in the
// users table becomes the request's Actor. Token issuance happens outside
// this service.
//
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
func Middleware(db *pgxpool.Pool, cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			debugRole := ""

			// Development mode: accept X-Debug-Sub ONLY if DevMode is enabled and no token present
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				debugRole = r.Header.Get("X-Debug-Role")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, err := ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					writeAuthRequired(w, "invalid bearer token")
					return
				}
				sub = s
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				writeAuthRequired(w, "missing bearer token")
				return
			}

			actor, err := loadActor(r.Context(), db, sub, debugRole, cfg.DevMode)
			if err != nil {
				if err == pgx.ErrNoRows {
					log.Warn().Str("sub", sub).Msg("unknown or inactive user")
					writeAuthRequired(w, "unknown or inactive user")
					return
				}
				log.Error().Err(err).Str("sub", sub).Msg("failed to load user")
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), ctxActor, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loadActor resolves the subject to a live user row. In dev mode an unknown
// subject is auto-created so local clients can sync without a user admin step.
func loadActor(ctx context.Context, db *pgxpool.Pool, sub, debugRole string, devMode bool) (Actor, error) {
	var a Actor
	err := db.QueryRow(ctx, `
		SELECT id, username, role FROM users
		WHERE username = $1 AND is_active AND deleted_at IS NULL
	`, sub).Scan(&a.ID, &a.Username, &a.Role)

	if err == pgx.ErrNoRows && devMode {
		role := debugRole
		if role == "" {
			role = RoleUser
		}
		now := syncx.NowMs()
		a = Actor{ID: uuid.New(), Username: sub, Role: role}
		_, err = db.Exec(ctx, `
			INSERT INTO users (id, username, role, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $4)
		`, a.ID, a.Username, a.Role, now)
		return a, err
	}

	return a, err
}

// ActorFrom extracts the authenticated actor from request context.
// The bool is false if the middleware did not run (should never happen on
// protected routes).
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxActor).(Actor)
	return a, ok
}

// WithActor returns a context carrying the given actor. Used by tests and by
// internal callers that act on behalf of the server itself.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

// writeAuthRequired emits the wire error envelope for authentication
// failures. Kept local to avoid importing the HTTP layer.
func writeAuthRequired(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      false,
		"code":    "auth_required",
		"message": msg,
	})
}
