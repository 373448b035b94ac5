package document

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mentora/internal/models"
	"mentora/internal/services"

	"github.com/google/uuid"
)

// Artifact is a generated document awaiting download. Artifacts are short
// lived: 10 minutes from creation, 5 minutes after download.
type Artifact struct {
	ArtifactID   string
	UserID       string
	ResourceID   int64
	Filename     string
	FilePath     string
	Size         int64
	DownloadURL  string
	ContentType  string
	CreatedAt    time.Time
	Downloaded   bool
	DownloadedAt *time.Time
}

const (
	artifactTTL          = 10 * time.Minute
	postDownloadLifetime = 5 * time.Minute
)

// RemoteRegistrar pushes artifacts to the provider-side knowledge base.
// Satisfied by services.GenerationService; may be nil.
type RemoteRegistrar interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	AttachFilesToKnowledgeBase(ctx context.Context, kbHandle string, fileHandles []string) error
}

// Service renders response text into downloadable documents and tracks the
// resulting artifacts.
type Service struct {
	outputDir string
	resources *services.ResourceService
	registrar RemoteRegistrar

	mu        sync.RWMutex
	artifacts map[string]*Artifact

	renderPDF func(ctx context.Context, html, outputPath string) error
}

// NewService creates a document service writing into outputDir.
func NewService(outputDir string, resources *services.ResourceService, registrar RemoteRegistrar) (*Service, error) {
	if err := os.MkdirAll(outputDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Service{
		outputDir: outputDir,
		resources: resources,
		registrar: registrar,
		artifacts: make(map[string]*Artifact),
		renderPDF: generatePDF,
	}, nil
}

// Synthesize renders markdown into a pdf or docx artifact, persists it as a
// resource owned by userID, and registers it with the room's knowledge base
// when kbHandle is non-empty. Knowledge base registration is best effort;
// the artifact survives its failure.
func (s *Service) Synthesize(ctx context.Context, userID, markdown, format, kbHandle string) (*services.SynthesizedFile, error) {
	artifactID := uuid.NewString()
	fileName := fmt.Sprintf("mentora-%s.%s", time.Now().Format("20060102-150405"), format)
	filePath := filepath.Join(s.outputDir, artifactID+"."+format)

	var contentType string
	switch format {
	case "pdf":
		contentType = "application/pdf"
		html, err := RenderHTML(markdown)
		if err != nil {
			return nil, err
		}
		if err := s.renderPDF(ctx, WrapHTML(fileName, html), filePath); err != nil {
			return nil, fmt.Errorf("failed to generate PDF: %w", err)
		}
	case "docx":
		contentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		if err := WriteDOCX(markdown, filePath); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	resource := &models.Resource{
		OwnerUserID: userID,
		StoragePath: filePath,
		FileName:    fileName,
		SizeBytes:   info.Size(),
		MimeType:    contentType,
		Generated:   true,
	}
	if err := s.resources.Create(ctx, resource); err != nil {
		os.Remove(filePath)
		return nil, err
	}

	artifact := &Artifact{
		ArtifactID:  artifactID,
		UserID:      userID,
		ResourceID:  resource.ID,
		Filename:    fileName,
		FilePath:    filePath,
		Size:        info.Size(),
		DownloadURL: "/api/download/" + artifactID,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.artifacts[artifactID] = artifact
	s.mu.Unlock()

	log.Printf("📄 [DOCUMENT] Generated %s (%d bytes)", fileName, info.Size())

	if kbHandle != "" && s.registrar != nil {
		s.registerWithKnowledgeBase(ctx, kbHandle, resource, filePath, fileName)
	}

	return &services.SynthesizedFile{
		ResourceID: resource.ID,
		FileName:   fileName,
		URL:        artifact.DownloadURL,
	}, nil
}

func (s *Service) registerWithKnowledgeBase(ctx context.Context, kbHandle string, resource *models.Resource, filePath, fileName string) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		log.Printf("⚠️ [DOCUMENT] Could not read artifact for knowledge base upload: %v", err)
		return
	}

	handle, err := s.registrar.UploadFile(ctx, fileName, data)
	if err != nil {
		log.Printf("⚠️ [DOCUMENT] Knowledge base upload failed for %s: %v", fileName, err)
		return
	}

	if err := s.registrar.AttachFilesToKnowledgeBase(ctx, kbHandle, []string{handle}); err != nil {
		log.Printf("⚠️ [DOCUMENT] Knowledge base attach failed for %s: %v", fileName, err)
		return
	}

	if err := s.resources.SetRemoteHandle(ctx, resource.ID, handle); err != nil {
		log.Printf("⚠️ [DOCUMENT] Could not record remote handle for %s: %v", fileName, err)
	}
}

// GetArtifact retrieves an artifact by ID.
func (s *Service) GetArtifact(artifactID string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, exists := s.artifacts[artifactID]
	return artifact, exists
}

// MarkDownloaded starts an artifact's post-download countdown.
func (s *Service) MarkDownloaded(artifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact, exists := s.artifacts[artifactID]; exists {
		now := time.Now()
		artifact.Downloaded = true
		artifact.DownloadedAt = &now
	}
}

// CleanupArtifacts deletes expired artifacts from disk and the registry.
func (s *Service) CleanupArtifacts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for id, artifact := range s.artifacts {
		expired := now.Sub(artifact.CreatedAt) > artifactTTL
		if artifact.Downloaded && artifact.DownloadedAt != nil && now.Sub(*artifact.DownloadedAt) > postDownloadLifetime {
			expired = true
		}
		if !expired {
			continue
		}

		if err := os.Remove(artifact.FilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("⚠️ [DOCUMENT] Failed to delete artifact file %s: %v", artifact.FilePath, err)
		}
		delete(s.artifacts, id)
		cleaned++
	}

	if cleaned > 0 {
		log.Printf("🗑️ [DOCUMENT] Cleaned up %d artifacts", cleaned)
	}
}
