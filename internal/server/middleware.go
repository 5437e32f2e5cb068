package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/auth"
	"github.com/blinktest/blinktest/internal/metrics"
	"github.com/blinktest/blinktest/internal/store"
)

const (
	sessionCookieName = "bt_session"
	gateCookieName    = "bt_gate"
	visitorCookieName = "bt_visitor"
)

type ctxKey int

const userKey ctxKey = iota

var securityHeaders = map[string]string{
	"X-Frame-Options":        "DENY",
	"X-Content-Type-Options": "nosniff",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"X-XSS-Protection":       "1; mode=block",
	"Permissions-Policy":     "camera=(), microphone=(), geolocation=()",
}

// middleware wraps the router. Security headers go on first so that every
// response carries them, rate-limited ones included.
func (s *Server) middleware(next http.Handler) http.Handler {
	h := s.withUser(next)
	h = s.gate(h)
	h = s.limiter.Middleware(func(r *http.Request) bool { return isStaticPath(r.URL.Path) })(h)
	h = hlog.AccessHandler(accessLog)(h)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.NewHandler(log.Logger)(h)
	return withSecurityHeaders(h)
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range securityHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	metrics.HTTPDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

	if isStaticPath(r.URL.Path) || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
		return
	}
	evt := hlog.FromRequest(r).Debug()
	if status >= http.StatusInternalServerError {
		evt = hlog.FromRequest(r).Error()
	}
	evt.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

// gate demands a site password cookie when site passwords are configured.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.sitePasswords) == 0 || gateExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(gateCookieName); err == nil && s.validSitePassword(c.Value) {
			next.ServeHTTP(w, r)
			return
		}

		if isAPIPath(r.URL.Path) {
			writeJSONError(w, http.StatusForbidden, "site password required")
			return
		}
		http.Redirect(w, r, "/gate?redirect="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
	})
}

func gateExempt(p string) bool {
	return p == "/gate" || p == "/health" || p == "/metrics" || isStaticPath(p)
}

func (s *Server) validSitePassword(pw string) bool {
	ok := false
	for _, want := range s.sitePasswords {
		if subtle.ConstantTimeCompare([]byte(pw), []byte(want)) == 1 {
			ok = true
		}
	}
	return ok
}

// withUser resolves the session cookie. A stale cookie is cleared and the
// request continues anonymously.
func (s *Server) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookieName)
		if err != nil || c.Value == "" || s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		p, err := s.auth.Current(r.Context(), c.Value)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidSession) {
				hlog.FromRequest(r).Error().Err(err).Msg("failed to resolve session")
			}
			clearCookie(w, sessionCookieName)
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, p)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", p.ID)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) *store.Profile {
	p, _ := r.Context().Value(userKey).(*store.Profile)
	return p
}

// requireUser sends anonymous visitors to the sign-in page and back.
func (s *Server) requireUser(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			http.Redirect(w, r, loginURL(r.URL.RequestURI()), http.StatusFound)
			return
		}
		h(w, r)
	})
}

func (s *Server) requireAdmin(h http.HandlerFunc) http.Handler {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).IsAdmin() {
			s.renderMessage(w, r, http.StatusForbidden, "Not allowed", "You need to be an admin to see this page.")
			return
		}
		h(w, r)
	})
}

func (s *Server) requireAPIUser(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			writeJSONError(w, http.StatusUnauthorized, "sign in required")
			return
		}
		h(w, r)
	})
}

func loginURL(redirect string) string {
	return "/login?redirect=" + url.QueryEscape(redirect)
}

// safeRedirect only follows local paths.
func safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return "/"
	}
	return target
}

func setCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		MaxAge:   int(maxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
