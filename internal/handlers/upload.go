package handlers

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mentora/internal/document"
	"mentora/internal/models"
	"mentora/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const maxUploadSize = 10 * 1024 * 1024 // 10MB

// UploadHandler handles file upload requests
type UploadHandler struct {
	uploadDir    string
	allowedExts  map[string]string // extension -> mime type
	resources    *services.ResourceService
	rooms        *services.RoomService
	registrar    document.RemoteRegistrar
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(uploadDir string, resources *services.ResourceService, rooms *services.RoomService, registrar document.RemoteRegistrar) *UploadHandler {
	if err := os.MkdirAll(uploadDir, 0700); err != nil {
		log.Printf("⚠️ Warning: Could not create upload directory: %v", err)
	}

	return &UploadHandler{
		uploadDir: uploadDir,
		resources: resources,
		rooms:     rooms,
		registrar: registrar,
		allowedExts: map[string]string{
			".pdf":  "application/pdf",
			".txt":  "text/plain",
			".md":   "text/markdown",
			".csv":  "text/csv",
			".json": "application/json",
			".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			".png":  "image/png",
			".jpg":  "image/jpeg",
			".jpeg": "image/jpeg",
		},
	}
}

// UploadResponse represents the upload API response
type UploadResponse struct {
	ResourceID int64  `json:"resource_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	PageCount  int    `json:"page_count,omitempty"`
	WordCount  int    `json:"word_count,omitempty"`
}

// Upload handles a multipart file upload
// POST /api/upload
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required for file uploads",
		})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		log.Printf("❌ [UPLOAD] Failed to parse file: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file provided or invalid file",
		})
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	mimeType, allowed := h.allowedExts[ext]
	if !allowed {
		log.Printf("⚠️ [UPLOAD] Disallowed file type: %s", ext)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File type not allowed: %s. Allowed types: PDF, TXT, MD, CSV, JSON, DOCX, PNG, JPG", ext),
		})
	}

	if fileHeader.Size > maxUploadSize {
		log.Printf("⚠️ [UPLOAD] File too large: %d bytes (max %d)", fileHeader.Size, maxUploadSize)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large. Maximum size is %d MB", maxUploadSize/(1024*1024)),
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Printf("❌ [UPLOAD] Failed to open file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process file",
		})
	}
	defer file.Close()

	fileData, err := io.ReadAll(file)
	if err != nil {
		log.Printf("❌ [UPLOAD] Failed to read file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read file",
		})
	}

	resp := UploadResponse{
		Filename: fileHeader.Filename,
		MimeType: mimeType,
		Size:     fileHeader.Size,
	}

	if mimeType == "application/pdf" {
		metadata, err := document.ExtractPDFText(fileData)
		if err != nil {
			log.Printf("❌ [UPLOAD] Failed to extract PDF text: %v", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid or corrupted PDF file",
			})
		}
		resp.PageCount = metadata.PageCount
		resp.WordCount = metadata.WordCount
		log.Printf("📄 [UPLOAD] PDF %s: %d pages, %d words", fileHeader.Filename, metadata.PageCount, metadata.WordCount)
	}

	storagePath := filepath.Join(h.uploadDir, uuid.New().String()+ext)
	if err := os.WriteFile(storagePath, fileData, 0600); err != nil {
		log.Printf("❌ [UPLOAD] Failed to store file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store file",
		})
	}

	resource := &models.Resource{
		OwnerUserID: userID,
		StoragePath: storagePath,
		FileName:    fileHeader.Filename,
		SizeBytes:   fileHeader.Size,
		MimeType:    mimeType,
	}
	if err := h.resources.Create(c.Context(), resource); err != nil {
		os.Remove(storagePath)
		log.Printf("❌ [UPLOAD] Failed to persist resource: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store file",
		})
	}
	resp.ResourceID = resource.ID

	// When the upload targets a room, register the file with that room's
	// knowledge base. Best effort: the resource stays usable without it.
	if roomParam := c.FormValue("room_id"); roomParam != "" && h.registrar != nil {
		h.registerWithRoom(c, userID, roomParam, resource, fileData)
	}

	log.Printf("✅ [UPLOAD] File uploaded: %s (resource %d, user %s)", fileHeader.Filename, resource.ID, userID)

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *UploadHandler) registerWithRoom(c *fiber.Ctx, userID, roomParam string, resource *models.Resource, fileData []byte) {
	roomID, err := strconv.ParseInt(roomParam, 10, 64)
	if err != nil {
		log.Printf("⚠️ [UPLOAD] Invalid room id %q, skipping knowledge base registration", roomParam)
		return
	}

	room, err := h.rooms.GetOwned(c.Context(), roomID, userID)
	if err != nil {
		log.Printf("⚠️ [UPLOAD] Room %d not owned by uploader, skipping knowledge base registration", roomID)
		return
	}

	handle, err := h.registrar.UploadFile(c.Context(), resource.FileName, fileData)
	if err != nil {
		log.Printf("⚠️ [UPLOAD] Knowledge base upload failed for %s: %v", resource.FileName, err)
		return
	}
	if err := h.registrar.AttachFilesToKnowledgeBase(c.Context(), room.KnowledgeBaseHandle, []string{handle}); err != nil {
		log.Printf("⚠️ [UPLOAD] Knowledge base attach failed for %s: %v", resource.FileName, err)
		return
	}
	if err := h.resources.SetRemoteHandle(c.Context(), resource.ID, handle); err != nil {
		log.Printf("⚠️ [UPLOAD] Could not record remote handle for %s: %v", resource.FileName, err)
	}
}
