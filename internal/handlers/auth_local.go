package handlers

import (
	"log"
	"strings"
	"time"

	"mentora/internal/models"
	"mentora/internal/services"
	"mentora/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// LocalAuthHandler handles local JWT authentication endpoints
type LocalAuthHandler struct {
	jwtAuth     *auth.LocalJWTAuth
	userService *services.UserService
}

// NewLocalAuthHandler creates a new local auth handler
func NewLocalAuthHandler(jwtAuth *auth.LocalJWTAuth, userService *services.UserService) *LocalAuthHandler {
	return &LocalAuthHandler{
		jwtAuth:     jwtAuth,
		userService: userService,
	}
}

// RegisterRequest is the request body for registration
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the request body for login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshTokenRequest is the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse is the response for successful authentication
type AuthResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"user"`
	ExpiresIn    int         `json:"expires_in"` // seconds
}

// Register creates a new user account
// POST /api/auth/register
func (h *LocalAuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid email address is required",
		})
	}

	if err := auth.ValidatePassword(req.Password); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	existingUser, _ := h.userService.GetByEmail(c.Context(), req.Email)
	if existingUser != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "User with this email already exists",
		})
	}

	passwordHash, err := h.jwtAuth.HashPassword(req.Password)
	if err != nil {
		log.Printf("❌ Failed to hash password: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	user, err := h.userService.Create(c.Context(), req.Email, passwordHash)
	if err != nil {
		log.Printf("❌ Failed to create user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(user.ID, user.Email, user.Role)
	if err != nil {
		log.Printf("❌ Failed to generate tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate authentication tokens",
		})
	}

	log.Printf("✅ User registered: %s (%s)", user.Email, user.ID)

	return c.Status(fiber.StatusCreated).JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         *user,
		ExpiresIn:    15 * 60,
	})
}

// Login authenticates a user
// POST /api/auth/login
func (h *LocalAuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.userService.GetByEmail(c.Context(), req.Email)
	if err != nil || user == nil {
		// Slow the miss path to blunt email enumeration
		time.Sleep(200 * time.Millisecond)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid email or password",
		})
	}

	valid, err := h.jwtAuth.VerifyPassword(user.PasswordHash, req.Password)
	if err != nil || !valid {
		log.Printf("⚠️ Failed login attempt for user: %s", req.Email)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid email or password",
		})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(user.ID, user.Email, user.Role)
	if err != nil {
		log.Printf("❌ Failed to generate tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate authentication tokens",
		})
	}

	log.Printf("✅ User logged in: %s", user.Email)

	return c.JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         *user,
		ExpiresIn:    15 * 60,
	})
}

// Refresh exchanges a refresh token for a new token pair
// POST /api/auth/refresh
func (h *LocalAuthHandler) Refresh(c *fiber.Ctx) error {
	var req RefreshTokenRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Refresh token is required",
		})
	}

	claims, err := h.jwtAuth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired refresh token",
		})
	}

	user, err := h.userService.GetByID(c.Context(), claims.UserID)
	if err != nil || user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "User no longer exists",
		})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(user.ID, user.Email, user.Role)
	if err != nil {
		log.Printf("❌ Failed to generate tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate authentication tokens",
		})
	}

	return c.JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         *user,
		ExpiresIn:    15 * 60,
	})
}

// Me returns the authenticated user's profile
// GET /api/auth/me
func (h *LocalAuthHandler) Me(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	user, err := h.userService.GetByID(c.Context(), userID)
	if err != nil || user == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	return c.JSON(user)
}
