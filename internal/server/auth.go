package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/auth"
)

const (
	gateCookieTTL    = 30 * 24 * time.Hour
	visitorCookieTTL = 24 * time.Hour
)

type authData struct {
	Error    string
	Email    string
	Name     string
	Redirect string
}

type gateData struct {
	Error    string
	Redirect string
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	redirect := safeRedirect(r.URL.Query().Get("redirect"))
	if currentUser(r) != nil {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	s.render(w, r, http.StatusOK, "Sign in", "login.html", authData{Redirect: redirect})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	in := auth.SignInInput{Email: r.FormValue("email"), Password: r.FormValue("password")}
	redirect := safeRedirect(r.FormValue("redirect"))

	sess, err := s.auth.SignIn(r.Context(), in)
	if err != nil {
		status, msg := authFailure(r, err)
		s.render(w, r, status, "Sign in", "login.html", authData{Error: msg, Email: in.Email, Redirect: redirect})
		return
	}

	setCookie(w, r, sessionCookieName, sess.Token, s.auth.TTL())
	hlog.FromRequest(r).Info().Str("user_id", sess.Profile.ID).Msg("signed in")
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	redirect := safeRedirect(r.URL.Query().Get("redirect"))
	if currentUser(r) != nil {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	s.render(w, r, http.StatusOK, "Sign up", "register.html", authData{Redirect: redirect})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	in := auth.SignUpInput{
		Email:    r.FormValue("email"),
		Password: r.FormValue("password"),
		Name:     r.FormValue("name"),
	}
	redirect := safeRedirect(r.FormValue("redirect"))

	sess, err := s.auth.SignUp(r.Context(), in)
	if err != nil {
		status, msg := authFailure(r, err)
		s.render(w, r, status, "Sign up", "register.html", authData{Error: msg, Email: in.Email, Name: in.Name, Redirect: redirect})
		return
	}

	setCookie(w, r, sessionCookieName, sess.Token, s.auth.TTL())
	hlog.FromRequest(r).Info().Str("user_id", sess.Profile.ID).Msg("signed up")
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// authFailure turns a sign-in or sign-up error into a status and a message
// fit to show on the form.
func authFailure(r *http.Request, err error) (int, string) {
	switch {
	case auth.IsValidation(err):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password."
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict, "An account with this email already exists."
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("authentication failed")
		return http.StatusInternalServerError, "Something went wrong. Please try again."
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, sessionCookieName)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleGatePage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "Private", "gate.html", gateData{Redirect: safeRedirect(r.URL.Query().Get("redirect"))})
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	redirect := safeRedirect(r.FormValue("redirect"))
	pw := r.FormValue("password")
	if !s.validSitePassword(pw) {
		s.render(w, r, http.StatusUnauthorized, "Private", "gate.html", gateData{Error: "Wrong password.", Redirect: redirect})
		return
	}
	setCookie(w, r, gateCookieName, pw, gateCookieTTL)
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}
