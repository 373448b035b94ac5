package handlers

import (
	"log"

	"mentora/internal/document"

	"github.com/gofiber/fiber/v2"
)

// DownloadHandler serves generated document artifacts
type DownloadHandler struct {
	documents *document.Service
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(documents *document.Service) *DownloadHandler {
	return &DownloadHandler{documents: documents}
}

// Download serves a generated artifact to its owner
// GET /api/download/:id
func (h *DownloadHandler) Download(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	artifactID := c.Params("id")
	artifact, exists := h.documents.GetArtifact(artifactID)
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "File not found or expired",
		})
	}

	// Artifacts are owner-only; a miss and a foreign artifact look the same.
	if artifact.UserID != userID {
		log.Printf("⚠️ [DOWNLOAD] User %s attempted to download artifact owned by %s", userID, artifact.UserID)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "File not found or expired",
		})
	}

	h.documents.MarkDownloaded(artifactID)
	log.Printf("📥 [DOWNLOAD] Serving artifact %s (%s) to user %s", artifactID, artifact.Filename, userID)

	c.Set("Content-Type", artifact.ContentType)
	c.Set("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	return c.SendFile(artifact.FilePath)
}
