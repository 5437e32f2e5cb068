package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
)

const (
	maxUploadBytes = thumbnail.MaxBytes + 1<<20
	maxJSONBytes   = 256 << 10
)

func identity(p *store.Profile) flow.Identity {
	return flow.Identity{UserID: p.ID, Name: p.Name}
}

// requesterID identifies who may reach a flow: the signed-in user, or the
// anonymous visitor holding a visitor cookie. Empty means nobody.
func requesterID(r *http.Request) string {
	if u := currentUser(r); u != nil {
		return u.ID
	}
	if c, err := r.Cookie(visitorCookieName); err == nil && c.Value != "" {
		return flow.VisitorOwner(c.Value)
	}
	return ""
}

// visitorToken returns the anonymous visitor's token, issuing a fresh one
// when the request carries none.
func visitorToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(visitorCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	token := uuid.NewString()
	setCookie(w, r, visitorCookieName, token, visitorCookieTTL)
	return token
}

// readThumbnail pulls the "thumbnail" file out of a multipart upload.
func readThumbnail(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", nil, thumbnail.ErrTooLarge
		}
		return "", nil, flow.ErrNoImage
	}

	file, header, err := r.FormFile("thumbnail")
	if err != nil {
		return "", nil, flow.ErrNoImage
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, thumbnail.MaxBytes+1))
	if err != nil {
		return "", nil, flow.ErrNoImage
	}
	if len(data) > thumbnail.MaxBytes {
		return "", nil, thumbnail.ErrTooLarge
	}
	return header.Filename, data, nil
}

// handleCreateSelfTest starts a self-test from an uploaded thumbnail.
func (s *Server) handleCreateSelfTest(w http.ResponseWriter, r *http.Request) {
	name, data, err := readThumbnail(w, r)
	if err != nil {
		writeJSONError(w, errorStatus(err), err.Error())
		return
	}

	st := flow.NewSelfTest(s.flowConfig, identity(currentUser(r)), s.publisher)
	if err := st.Upload(name, data); err != nil {
		st.Close()
		writeJSONError(w, errorStatus(err), err.Error())
		return
	}
	if err := st.SetDetails(r.FormValue("channel_tag"), r.FormValue("duration_badge")); err != nil {
		st.Close()
		writeJSONError(w, errorStatus(err), err.Error())
		return
	}

	s.registry.Add(st)
	hlog.FromRequest(r).Debug().Str("flow_id", st.ID()).Msg("self-test created")
	writeJSON(w, http.StatusCreated, st.Snapshot())
}

// handleCreateParticipant opens a participant flow on a published test.
// Anonymous visitors get a flow too, bound to their visitor cookie; it
// refuses to start.
func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var tester *flow.Identity
	if u := currentUser(r); u != nil {
		id := identity(u)
		tester = &id
	}

	p := flow.NewParticipant(s.flowConfig, r.PathValue("id"), tester, flow.ParticipantDeps{
		Tests:     s.store,
		Responses: s.store,
		Notifier:  s.broker,
		Images:    s.images,
	})

	if tester == nil {
		p.BindVisitor(visitorToken(w, r))
	}

	if err := p.Load(r.Context()); err != nil {
		writeFlowError(w, r, p, err)
		p.Close()
		return
	}
	snap := p.Snapshot()
	if snap.NotFound {
		p.Close()
		writeJSON(w, http.StatusNotFound, errorResponse{Error: snap.Error, Snapshot: &snap})
		return
	}

	s.registry.Add(p)
	writeJSON(w, http.StatusCreated, snap)
}

// lookupFlow finds a flow owned by the requester. Flows of other users are
// reported as missing.
func (s *Server) lookupFlow(w http.ResponseWriter, r *http.Request) (flow.Flow, bool) {
	f, ok := s.registry.Get(r.PathValue("id"))
	owner := requesterID(r)
	if !ok || owner == "" || f.OwnerID() != owner {
		writeJSONError(w, http.StatusNotFound, "flow not found")
		return nil, false
	}
	return f, true
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, f.Snapshot())
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}
	s.registry.Remove(f.ID())
	w.WriteHeader(http.StatusNoContent)
}

// handleFlowImage serves a self-test's uploaded thumbnail back to its owner.
func (s *Server) handleFlowImage(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}
	st, isSelf := f.(*flow.SelfTest)
	if !isSelf {
		writeJSONError(w, http.StatusNotFound, "no image")
		return
	}
	img := st.Image()
	if img == nil {
		writeJSONError(w, http.StatusNotFound, "no image")
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img.Data)
}

type detailsRequest struct {
	ChannelTag    string `json:"channel_tag"`
	DurationBadge string `json:"duration_badge"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadJSON
	}
	return nil
}

var errBadJSON = errors.New("invalid JSON body")

func (s *Server) handleFlowAction(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}
	st, isSelf := f.(*flow.SelfTest)

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = f.Start()

	case "flash-done":
		err = f.FlashDone()

	case "answer":
		var a capture.Answer
		if err := decodeJSON(w, r, &a); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		err = f.Answer(r.Context(), a)

	case "publish", "discard", "flash-again", "reset", "details", "thumbnail":
		if !isSelf {
			writeFlowError(w, r, f, flow.ErrInvalidTransition)
			return
		}
		err = s.selfAction(w, r, st, action)

	default:
		writeJSONError(w, http.StatusNotFound, "unknown action")
		return
	}

	if err != nil {
		if errors.Is(err, errBadJSON) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeFlowError(w, r, f, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Snapshot())
}

func (s *Server) selfAction(w http.ResponseWriter, r *http.Request, st *flow.SelfTest, action string) error {
	switch action {
	case "publish":
		_, err := st.Publish(r.Context())
		return err
	case "discard":
		return st.Discard()
	case "flash-again":
		return st.FlashAgain()
	case "reset":
		return st.Reset()
	case "details":
		var req detailsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return err
		}
		return st.SetDetails(req.ChannelTag, req.DurationBadge)
	default: // thumbnail
		name, data, err := readThumbnail(w, r)
		if err != nil {
			return err
		}
		if err := st.Upload(name, data); err != nil {
			return err
		}
		return st.SetDetails(r.FormValue("channel_tag"), r.FormValue("duration_badge"))
	}
}
