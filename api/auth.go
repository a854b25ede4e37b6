package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// hashPassword hashes the configured password at startup so login compares
// against a bcrypt hash rather than the plaintext config value.
func hashPassword(password string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// login exchanges the configured credentials for a signed JWT.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if !a.config.Auth.Enabled {
		a.respondError(w, "authentication is disabled", http.StatusNotFound)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.config.Auth.Username)) == 1
	passwordOK := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)) == nil
	if !usernameOK || !passwordOK {
		a.logger.Warnw("Failed login attempt", "remote", clientIP(r))
		a.respondError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	expiresAt := time.Now().Add(a.config.Auth.JWTExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    "conductor",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.config.Auth.JWTSecret))
	if err != nil {
		a.logger.Errorw("Failed to sign token", "error", err)
		a.respondError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, loginResponse{Token: signed, ExpiresAt: expiresAt}, http.StatusOK)
}

// validateToken parses and verifies a bearer token, returning its subject.
func (a *API) validateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(a.config.Auth.JWTSecret), nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}
