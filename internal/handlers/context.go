package handlers

import (
	"log"

	"mentora/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ContextHandler exposes the user's knowledge base over HTTP
type ContextHandler struct {
	store *services.ContextStore
	users *services.UserService
}

// NewContextHandler creates a new context handler
func NewContextHandler(store *services.ContextStore, users *services.UserService) *ContextHandler {
	return &ContextHandler{store: store, users: users}
}

// ListFacts returns the caller's valid (non-expired) facts
// GET /api/context
func (h *ContextHandler) ListFacts(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	facts, err := h.store.GetValid(c.Context(), userID)
	if err != nil {
		log.Printf("❌ Failed to load context for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load context",
		})
	}

	return c.JSON(fiber.Map{"facts": facts})
}

// DeleteFact removes one fact from the caller's knowledge base
// DELETE /api/context/:key
func (h *ContextHandler) DeleteFact(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	key := c.Params("key")
	if key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Fact key is required",
		})
	}

	if err := h.store.DeleteKey(c.Context(), userID, key); err != nil {
		log.Printf("❌ Failed to delete fact %q for user %s: %v", key, userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete fact",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ClearFacts removes the caller's whole knowledge base
// DELETE /api/context
func (h *ContextHandler) ClearFacts(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	if err := h.store.Delete(c.Context(), userID); err != nil {
		log.Printf("❌ Failed to clear context for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to clear context",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

type memorySettingRequest struct {
	AllowMemoryStorage bool `json:"allow_memory_storage"`
}

// SetMemorySetting toggles whether the caller's turns feed the knowledge base
// PUT /api/context/settings
func (h *ContextHandler) SetMemorySetting(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req memorySettingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.users.SetAllowMemoryStorage(c.Context(), userID, req.AllowMemoryStorage); err != nil {
		log.Printf("❌ Failed to update memory setting for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update setting",
		})
	}

	return c.JSON(fiber.Map{"allow_memory_storage": req.AllowMemoryStorage})
}
