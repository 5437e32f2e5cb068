package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/blinktest/blinktest/internal/store"
)

type adminData struct {
	Tests []testListItem
}

type adminUsersData struct {
	Users []userItem
	Roles []store.Role
}

type userItem struct {
	ID     string
	Name   string
	Email  string
	Role   store.Role
	Joined string
	IsSelf bool
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.ListTestSummaries(r.Context(), store.TestFilter{})
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "Admin", "admin.html", adminData{Tests: listItems(sums)})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	me := currentUser(r)
	users := make([]userItem, len(profiles))
	for i, p := range profiles {
		users[i] = userItem{
			ID:     p.ID,
			Name:   p.Name,
			Email:  p.Email,
			Role:   p.Role,
			Joined: p.CreatedAt.Format("Jan 2, 2006"),
			IsSelf: p.ID == me.ID,
		}
	}
	s.render(w, r, http.StatusOK, "Users", "admin_users.html", adminUsersData{
		Users: users,
		Roles: []store.Role{store.RoleMember, store.RoleAdmin},
	})
}

func (s *Server) handleAdminRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role := store.Role(r.FormValue("role"))
	if !role.Valid() {
		s.renderMessage(w, r, http.StatusUnprocessableEntity, "Invalid role", "Pick member or admin.")
		return
	}
	if id == currentUser(r).ID {
		s.renderMessage(w, r, http.StatusConflict, "Not allowed", "You can't change your own role.")
		return
	}

	err := s.store.UpdateProfileRole(r.Context(), id, role)
	if errors.Is(err, store.ErrNotFound) {
		s.renderMessage(w, r, http.StatusNotFound, "User not found", "That user no longer exists.")
		return
	}
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("profile_id", id).Str("role", string(role)).Msg("role changed")
	http.Redirect(w, r, "/admin/users", http.StatusSeeOther)
}
