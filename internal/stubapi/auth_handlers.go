package stubapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/stubapi/middleware"
)

// tokenRequest is the body of POST /api/token/
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// registerRequest is the body of POST /api/users/
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Token exchanges credentials for an access and refresh token
func (s *Server) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	fields := map[string][]string{}
	if req.Username == "" {
		fields["username"] = []string{"This field is required."}
	}
	if req.Password == "" {
		fields["password"] = []string{"This field is required."}
	}
	if len(fields) > 0 {
		respondJSON(w, http.StatusBadRequest, fields)
		return
	}

	u, ok := s.store.userByName(req.Username)
	if !ok || !u.Active || !auth.CheckPassword(req.Password, u.PasswordHash) {
		respondDetail(w, "No active account found with the given credentials", http.StatusUnauthorized)
		return
	}

	access, refresh, err := s.jwt.IssuePair(u.ID, u.Username, u.Groups)
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.trackAccess(access)
	s.logger.Info().Str("username", u.Username).Msg("token issued")
	respondJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

// Refresh issues a new access token. With rotation on, the refresh token is
// replaced and the old one revoked.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		respondJSON(w, http.StatusBadRequest, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	if s.store.isRevoked(req.Refresh) {
		respondDetail(w, "Token is blacklisted", http.StatusUnauthorized)
		return
	}
	claims, err := s.jwt.ValidateRefreshToken(req.Refresh)
	if err != nil {
		respondDetail(w, "Token is invalid or expired", http.StatusUnauthorized)
		return
	}
	u, ok := s.store.userByID(claims.UserID)
	if !ok || !u.Active {
		respondDetail(w, "No active account found with the given credentials", http.StatusUnauthorized)
		return
	}

	body := map[string]string{}
	if s.cfg.RotateRefresh {
		access, refresh, err := s.jwt.IssuePair(u.ID, u.Username, u.Groups)
		if err != nil {
			respondError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.store.revoke(req.Refresh)
		body["access"], body["refresh"] = access, refresh
	} else {
		access, err := s.jwt.IssueAccess(u.ID, u.Username, u.Groups)
		if err != nil {
			respondError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		body["access"] = access
	}
	s.trackAccess(body["access"])
	respondJSON(w, http.StatusOK, body)
}

// Me returns the identity behind the access token
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := s.store.userByID(middleware.GetUserID(r.Context()))
	if !ok {
		respondDetail(w, "User not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, u.identity())
}

// Register creates a Buyer account
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fields := map[string][]string{}
	if strings.TrimSpace(req.Username) == "" {
		fields["username"] = []string{"This field is required."}
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		fields["email"] = []string{"Enter a valid email address."}
	}
	if err := auth.ValidatePassword(req.Password, ""); err != nil {
		fields["password"] = []string{"This password is too short. It must contain at least 8 characters."}
	}
	if len(fields) > 0 {
		respondJSON(w, http.StatusBadRequest, fields)
		return
	}

	created, err := s.CreateUser(req.Username, req.Email, req.Password, string(auth.RoleBuyer))
	if err != nil {
		if errors.Is(err, errUsernameTaken) {
			respondJSON(w, http.StatusBadRequest, map[string][]string{"username": {errUsernameTaken.message}})
			return
		}
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}
