package handlers

import (
	"errors"
	"log"
	"strconv"

	"mentora/internal/services"

	"github.com/gofiber/fiber/v2"
)

// RoomHandler handles room-related HTTP requests
type RoomHandler struct {
	rooms  *services.RoomService
	logSvc *services.ConversationLog
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(rooms *services.RoomService, logSvc *services.ConversationLog) *RoomHandler {
	return &RoomHandler{rooms: rooms, logSvc: logSvc}
}

type createRoomRequest struct {
	Name             string `json:"name"`
	SpecializationID string `json:"specialization_id"`
}

type renameRoomRequest struct {
	Name string `json:"name"`
}

// Create creates a new room owned by the authenticated user
// POST /api/rooms
func (h *RoomHandler) Create(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	room, err := h.rooms.Create(c.Context(), userID, req.Name, req.SpecializationID)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": validationErr.Error(),
			})
		}
		log.Printf("❌ Failed to create room for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create room",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(room)
}

// List returns all rooms owned by the authenticated user
// GET /api/rooms
func (h *RoomHandler) List(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	rooms, err := h.rooms.ListByOwner(c.Context(), userID)
	if err != nil {
		log.Printf("❌ Failed to list rooms for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list rooms",
		})
	}

	return c.JSON(fiber.Map{"rooms": rooms})
}

// Get returns one room owned by the authenticated user
// GET /api/rooms/:id
func (h *RoomHandler) Get(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	roomID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid room id",
		})
	}

	room, err := h.rooms.GetOwned(c.Context(), roomID, userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Room not found",
		})
	}

	return c.JSON(room)
}

// Rename renames a room owned by the authenticated user
// PUT /api/rooms/:id
func (h *RoomHandler) Rename(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	roomID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid room id",
		})
	}

	var req renameRoomRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Room name is required",
		})
	}

	if err := h.rooms.Rename(c.Context(), roomID, userID, req.Name); err != nil {
		var ownership *services.OwnershipViolation
		if errors.As(err, &ownership) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Room not found",
			})
		}
		log.Printf("❌ Failed to rename room %d: %v", roomID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to rename room",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ListTurns returns a page of a room's conversation history
// GET /api/rooms/:id/turns?limit=50&offset=0
func (h *RoomHandler) ListTurns(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	roomID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid room id",
		})
	}

	if _, err := h.rooms.GetOwned(c.Context(), roomID, userID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Room not found",
		})
	}

	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	turns, err := h.logSvc.ListTurns(c.Context(), roomID, limit, offset)
	if err != nil {
		log.Printf("❌ Failed to list turns for room %d: %v", roomID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list turns",
		})
	}

	return c.JSON(fiber.Map{"turns": turns})
}
