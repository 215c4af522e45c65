package api

import (
	"net/http"

	"github.com/jogardn/restaurant-orders/internal/accounts"
)

func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req accounts.SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.accounts.Signup(r.Context(), req)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to create account")
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Account created",
		"user":    user,
	})
}

func (s *Server) Signin(w http.ResponseWriter, r *http.Request) {
	var req accounts.SigninRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.accounts.Signin(r.Context(), req)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to sign in")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
		"user":       session.User,
	})
}

func (s *Server) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.respondWithServiceError(w, r, err, "Failed to request password reset")
		return
	}
	// Same answer whether or not the address exists.
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "If the address is registered, a reset code has been sent",
	})
}

func (s *Server) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req accounts.ResetConfirmation
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.accounts.ConfirmPasswordReset(r.Context(), req); err != nil {
		s.respondWithServiceError(w, r, err, "Failed to reset password")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Password updated",
	})
}
