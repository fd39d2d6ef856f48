package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/bookstore-auth/internal/domain"
	"github.com/smallbiznis/bookstore-auth/internal/http/middleware"
	"github.com/smallbiznis/bookstore-auth/internal/http/respond"
	"github.com/smallbiznis/bookstore-auth/internal/service"
	authsvc "github.com/smallbiznis/bookstore-auth/internal/service/auth"
)

// AuthHandler exposes the account and session endpoints.
type AuthHandler struct {
	Auth  *service.AuthService
	OAuth authsvc.OAuthService
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, oauth authsvc.OAuthService) *AuthHandler {
	return &AuthHandler{Auth: auth, OAuth: oauth}
}

type signUpRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Address     string `json:"address"`
	Gender      string `json:"gender"`
	BirthDate   string `json:"birthDate"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type firebaseLoginRequest struct {
	IDToken string `json:"idToken" binding:"required"`
}

type setPasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// Health reports liveness.
func (h *AuthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SignUp registers a password account.
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req signUpRequest
	if !bind(c, &req) {
		return
	}

	in := service.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.PhoneNumber,
		Address:  req.Address,
		Gender:   req.Gender,
	}
	if raw := strings.TrimSpace(req.BirthDate); raw != "" {
		birth, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			respond.Error(c, domain.NewError(domain.CodeValidationFailed, "birthDate must be formatted as YYYY-MM-DD."))
			return
		}
		in.BirthDate = &birth
	}

	id, err := h.Auth.SignUp(c.Request.Context(), in)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, "User registered successfully.", gin.H{"userId": id})
}

// Login handles email and password sign-in.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Login successful.", resp)
}

// Refresh exchanges a refresh token for a new pair.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Token refreshed.", resp)
}

// Logout ends every session of the caller.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		respond.Error(c, domain.ErrUnauthorized)
		return
	}
	if err := h.Auth.Logout(c.Request.Context(), claims.UserID); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Logout successful.", nil)
}

// FirebaseLogin signs in with a Firebase ID token.
func (h *AuthHandler) FirebaseLogin(c *gin.Context) {
	var req firebaseLoginRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.Auth.FirebaseLogin(c.Request.Context(), req.IDToken)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Login successful.", resp)
}

// OAuthStart returns the provider consent URL.
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	out, err := h.OAuth.StartAuthorization(c.Request.Context(), authsvc.StartAuthorizationInput{
		Provider: c.Param("provider"),
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Authorization URL created.", gin.H{
		"authorizationUrl": out.AuthorizationURL,
		"state":            out.State,
	})
}

// OAuthCallback completes the provider redirect.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	if strings.TrimSpace(c.Query("error")) != "" {
		respond.Error(c, domain.NewError(domain.CodeInvalidToken, "Sign-in was cancelled or denied by the provider."))
		return
	}
	resp, err := h.OAuth.HandleCallback(c.Request.Context(), authsvc.OAuthCallbackInput{
		Provider: c.Param("provider"),
		Code:     c.Query("code"),
		State:    c.Query("state"),
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Login successful.", resp)
}

// Me returns the caller's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		respond.Error(c, domain.ErrUnauthorized)
		return
	}
	profile, err := h.Auth.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "User profile.", profile)
}

// SetPassword adds or changes the caller's password.
func (h *AuthHandler) SetPassword(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		respond.Error(c, domain.ErrUnauthorized)
		return
	}
	var req setPasswordRequest
	if !bind(c, &req) {
		return
	}
	if err := h.Auth.SetPassword(c.Request.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Password updated.", nil)
}

// RevokeSessions lets an admin end every session of a user.
func (h *AuthHandler) RevokeSessions(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		respond.Error(c, domain.ErrUnauthorized)
		return
	}
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		respond.Error(c, domain.NewError(domain.CodeValidationFailed, "User id must be a positive integer."))
		return
	}
	if err := h.Auth.RevokeSessions(c.Request.Context(), claims, userID); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, "Sessions revoked.", gin.H{"userId": userID})
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(err)
		respond.Error(c, domain.NewError(domain.CodeValidationFailed, "Request body is invalid."))
		return false
	}
	return true
}
