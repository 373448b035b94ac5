package middleware

import (
	"log"
	"os"

	"mentora/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// LocalAuthMiddleware verifies local JWT tokens.
// Supports both Authorization header and query parameter (for WebSocket connections).
func LocalAuthMiddleware(jwtAuth *auth.LocalJWTAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		environment := os.Getenv("ENVIRONMENT")

		if jwtAuth == nil {
			// Never allow auth bypass in production
			if environment == "production" {
				log.Fatal("❌ CRITICAL SECURITY ERROR: JWT auth not configured in production environment. Authentication is required.")
			}

			if environment != "development" && environment != "testing" && environment != "" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}

			log.Println("⚠️  Auth skipped: JWT not configured (development mode)")
			c.Locals("user_id", "dev-user")
			c.Locals("user_email", "dev@localhost")
			c.Locals("user_role", "user")
			return c.Next()
		}

		var token string

		authHeader := c.Get("Authorization")
		if authHeader != "" {
			if extracted, err := auth.ExtractToken(authHeader); err == nil {
				token = extracted
			}
		}

		// Query parameter fallback for WebSocket connections
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		user, err := jwtAuth.VerifyAccessToken(token)
		if err != nil {
			log.Printf("❌ Auth failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", user.ID)
		c.Locals("user_email", user.Email)
		c.Locals("user_role", user.Role)

		return c.Next()
	}
}
