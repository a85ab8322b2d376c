package httpapi

import (
	"net/http"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		writeError(w, errors.InvalidInput("email/username/password", "all fields are required"))
		return
	}
	if len(req.Password) < 8 {
		writeError(w, errors.InvalidInput("password", "must be at least 8 characters"))
		return
	}

	user, err := s.catalog.RegisterUser(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishUserEvent(r.Context(), user.ID, "registered", map[string]interface{}{"username": user.Username})
	writeJSON(w, http.StatusCreated, userView{ID: user.ID, Email: user.Email, Username: user.Username, IsAdmin: user.IsAdmin})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	IsAdmin     bool   `json:"is_admin"`
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.catalog.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token, _, err := s.authn.Issue(user.ID, user.Email, user.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		IsAdmin:     user.IsAdmin,
	})
}
