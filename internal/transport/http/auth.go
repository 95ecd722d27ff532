package httptransport

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"identity-server-go/internal/app/services"
	"identity-server-go/internal/domain/credential"
	"identity-server-go/internal/domain/identity"
	"identity-server-go/internal/domain/mfa"
	"identity-server-go/internal/domain/otp"
	"identity-server-go/internal/domain/token"
	"identity-server-go/internal/domain/webauthn"
	"identity-server-go/internal/platform/logging"
)

// AuthHandler exposes the authentication operations over HTTP.
type AuthHandler struct {
	service *services.AuthService
	logger  *logging.Logger
}

// NewAuthHandler creates the handler.
func NewAuthHandler(service *services.AuthService, logger *logging.Logger) *AuthHandler {
	return &AuthHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the auth API under the given group.
func (h *AuthHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/health", h.health)

	auth := api.Group("/auth")
	auth.POST("/register", h.register)
	auth.POST("/login", h.login)
	auth.POST("/refresh", h.refresh)
	auth.POST("/logout", h.logout)
	auth.PUT("/password", h.changePassword)

	auth.POST("/mfa/verify", h.verifyMfa)
	auth.POST("/mfa/otp/send", h.sendOtp)
	auth.PUT("/mfa/preferred-method", h.updatePreferredMethod)

	wa := auth.Group("/webauthn")
	wa.POST("/register/start", h.startWebAuthnRegistration)
	wa.POST("/register/finish", h.finishWebAuthnRegistration)
	wa.POST("/authenticate/start", h.startWebAuthnAuthentication)
	wa.POST("/authenticate/finish", h.finishWebAuthnAuthentication)
	wa.DELETE("/credentials/:credentialId", h.deactivateCredential)
}

func (h *AuthHandler) health(c *gin.Context) {
	RespondSuccess(c, http.StatusOK, gin.H{"status": "ok"}, "")
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Phone    string `json:"phone"`
}

func (h *AuthHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	ident, err := h.service.Register(c.Request.Context(), services.RegisterRequest{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Phone:    req.Phone,
		Meta:     metaFrom(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusCreated, gin.H{
		"id":       ident.ID,
		"email":    ident.Email,
		"username": ident.Username,
	}, "registered")
}

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (h *AuthHandler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	result, err := h.service.Login(c.Request.Context(), services.LoginRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		Meta:       metaFrom(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if result.MfaRequired {
		RespondSuccess(c, http.StatusOK, gin.H{
			"mfa_required": true,
			"mfa_token":    result.MfaToken,
		}, "mfa required")
		return
	}
	RespondSuccess(c, http.StatusOK, tokenPayload(result.Pair), "")
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *AuthHandler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	pair, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, tokenPayload(pair), "")
}

func (h *AuthHandler) logout(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	if err := h.service.Logout(c.Request.Context(), tokenString, metaFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, nil, "logged out")
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (h *AuthHandler) changePassword(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), tokenString, req.CurrentPassword, req.NewPassword, metaFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, nil, "password changed")
}

func (h *AuthHandler) verifyMfa(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var response mfa.Response
	if err := c.ShouldBindJSON(&response); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	pair, err := h.service.VerifyMfa(c.Request.Context(), tokenString, response, metaFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, tokenPayload(pair), "")
}

type sendOtpRequest struct {
	Channel string `json:"channel" binding:"required"`
}

func (h *AuthHandler) sendOtp(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var req sendOtpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if err := h.service.SendOtp(c.Request.Context(), tokenString, otp.Channel(strings.ToUpper(req.Channel)), metaFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusAccepted, nil, "otp sent")
}

type preferredMethodRequest struct {
	Method string `json:"method" binding:"required"`
}

func (h *AuthHandler) updatePreferredMethod(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var req preferredMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	method := identity.MfaMethod(strings.ToUpper(req.Method))
	if err := h.service.UpdatePreferredMethod(c.Request.Context(), tokenString, method, metaFrom(c)); err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, nil, "preferred method updated")
}

func (h *AuthHandler) startWebAuthnRegistration(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	payload, err := h.service.StartWebAuthnRegistration(c.Request.Context(), tokenString)
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, payload, "")
}

type finishRegistrationRequest struct {
	Response webauthn.RegistrationResponse `json:"response" binding:"required"`
	Nickname string                        `json:"nickname"`
}

func (h *AuthHandler) finishWebAuthnRegistration(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var req finishRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	saved, err := h.service.FinishWebAuthnRegistration(c.Request.Context(), tokenString, req.Response, req.Nickname)
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusCreated, gin.H{
		"credential_id": saved.CredentialID,
		"nickname":      saved.Nickname,
	}, "credential registered")
}

func (h *AuthHandler) startWebAuthnAuthentication(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	payload, err := h.service.StartWebAuthnAuthentication(c.Request.Context(), tokenString)
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, payload, "")
}

type finishAuthenticationRequest struct {
	Assertion webauthn.AssertionResponse `json:"assertion" binding:"required"`
}

func (h *AuthHandler) finishWebAuthnAuthentication(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	var req finishAuthenticationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	pair, err := h.service.FinishWebAuthnAuthentication(c.Request.Context(), tokenString, req.Assertion, metaFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, tokenPayload(pair), "")
}

func (h *AuthHandler) deactivateCredential(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return
	}
	if err := h.service.DeactivateWebAuthnCredential(c.Request.Context(), tokenString, c.Param("credentialId")); err != nil {
		h.respondError(c, err)
		return
	}
	RespondSuccess(c, http.StatusOK, nil, "credential deactivated")
}

func tokenPayload(pair *token.Pair) gin.H {
	return gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    int64(pair.AccessTTL.Seconds()),
		"token_type":    "Bearer",
	}
}

func metaFrom(c *gin.Context) services.Meta {
	return services.Meta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// bearerToken pulls the token out of the Authorization header, writing a 401
// when it is missing.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		RespondError(c, http.StatusUnauthorized, "missing authorization header", nil)
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		RespondError(c, http.StatusUnauthorized, "invalid authorization header", nil)
		return "", false
	}
	return parts[1], true
}

// respondError maps domain failures to HTTP statuses. Security-ambiguous
// failures keep their generic messages; validation and rate-limit failures
// carry detail, which is operationally useful and not a security signal.
func (h *AuthHandler) respondError(c *gin.Context, err error) {
	if limited, ok := services.IsRateLimited(err); ok {
		h.respondRateLimited(c, limited)
		return
	}

	var validation *mfa.ValidationError
	if errors.As(err, &validation) {
		RespondError(c, http.StatusBadRequest, validation.Reason, nil)
		return
	}

	switch {
	case errors.Is(err, credential.ErrInvalidCredentials):
		RespondError(c, http.StatusUnauthorized, "invalid credentials", nil)
	case errors.Is(err, credential.ErrAccountLocked):
		RespondError(c, http.StatusLocked, "account is temporarily locked", nil)
	case errors.Is(err, mfa.ErrInvalidMfa):
		RespondError(c, http.StatusUnauthorized, "mfa verification failed", nil)
	case errors.Is(err, token.ErrInvalidToken):
		RespondError(c, http.StatusUnauthorized, "invalid token", nil)
	case errors.Is(err, webauthn.ErrCredentialTaken):
		RespondError(c, http.StatusConflict, "credential already registered", nil)
	case errors.Is(err, webauthn.ErrNoLiveChallenge):
		RespondError(c, http.StatusBadRequest, "no live challenge", nil)
	case errors.Is(err, webauthn.ErrCredentialNotFound):
		RespondError(c, http.StatusNotFound, "credential not found", nil)
	default:
		if h.logger != nil {
			h.logger.Error("unhandled error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		}
		RespondError(c, http.StatusInternalServerError, "internal error", nil)
	}
}

// respondRateLimited writes the standard rate-limit headers next to a 429.
func (h *AuthHandler) respondRateLimited(c *gin.Context, limited *services.RateLimitedError) {
	retrySeconds := int(math.Ceil(limited.RetryAfter.Seconds()))
	if retrySeconds < 1 {
		retrySeconds = 1
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(limited.Capacity))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(limited.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(limited.RetryAfter).Unix(), 10))
	c.Header("Retry-After", strconv.Itoa(retrySeconds))

	RespondError(c, http.StatusTooManyRequests, "rate limit exceeded", gin.H{
		"retry_after_seconds": retrySeconds,
	})
}
