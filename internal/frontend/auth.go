package frontend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pysched/pysched/internal/config"
	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/store"
)

const tokenLifetime = 24 * time.Hour

// randomSecret returns n random bytes hex-encoded.
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type contextKey string

const userContextKey contextKey = "pysched-user"

type sessionClaims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(user *models.User) (string, error) {
	claims := sessionClaims{
		Username: user.Username,
		Admin:    user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.SecretKey))
}

func (s *Server) parseToken(raw string) (*sessionClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearerToken extracts the session token from the Authorization header, or
// from the token query parameter for WebSocket handshakes.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid session token and stashes the
// resolved user in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		claims, err := s.parseToken(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
			return
		}
		user, err := s.store.GetUserByUsername(r.Context(), claims.Username)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"access_token"`
	Type  string       `json:"token_type"`
	User  *models.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response for unknown user and bad password.
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.store.TouchLastLogin(r.Context(), user.ID, time.Now().UTC())

	logger.Info(r.Context(), "User logged in", tag.User(user.Username))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Type: "bearer", User: user})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Username) < 3 || len(req.Password) < 8 || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "username (3+ chars), email and password (8+ chars) are required"})
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	} else if _, err := time.LoadLocation(req.Timezone); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown timezone"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, err)
		return
	}

	// The first account becomes the administrator.
	count, err := s.store.CountUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Theme:        "dark",
		Timezone:     req.Timezone,
		IsAdmin:      count == 0,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	logger.Info(r.Context(), "User registered", tag.User(user.Username))
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

type updateMeRequest struct {
	Email    *string `json:"email"`
	Theme    *string `json:"theme"`
	Timezone *string `json:"timezone"`
	Password *string `json:"password"`
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := currentUser(r)

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Theme != nil {
		user.Theme = *req.Theme
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown timezone"})
			return
		}
		user.Timezone = *req.Timezone
	}
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "password must be 8+ chars"})
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.SetUserPassword(r.Context(), user.ID, string(hash)); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	caller := currentUser(r)
	if !caller.IsAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if id == caller.ID {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot delete your own account"})
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commonTimezones is the curated picker list; any IANA name is still accepted
// on write.
var commonTimezones = []string{
	"UTC",
	"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles",
	"America/Sao_Paulo",
	"Europe/London", "Europe/Paris", "Europe/Berlin", "Europe/Madrid", "Europe/Moscow",
	"Africa/Cairo", "Africa/Johannesburg",
	"Asia/Dubai", "Asia/Kolkata", "Asia/Shanghai", "Asia/Tokyo", "Asia/Singapore",
	"Australia/Sydney", "Pacific/Auckland",
}

func (s *Server) handleTimezones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"timezones": commonTimezones})
}

// EnsureAdminUser creates the configured administrator account on first boot.
// When no password is configured, a random one is generated and printed once;
// it is not recoverable afterwards.
func EnsureAdminUser(ctx context.Context, st *store.Store, cfg *config.Config) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := cfg.AdminPassword
	if password == "" {
		password, err = randomSecret(12)
		if err != nil {
			return err
		}
		logger.Infof(ctx, "Generated admin password (shown once): %s", password)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := &models.User{
		Username:     cfg.AdminUsername,
		Email:        cfg.AdminEmail,
		PasswordHash: string(hash),
		Theme:        "dark",
		Timezone:     "UTC",
		IsAdmin:      true,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return err
	}
	logger.Info(ctx, "Administrator account created", tag.User(user.Username))
	return nil
}
