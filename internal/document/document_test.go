package document

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mentora/internal/database"
	"mentora/internal/services"
)

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("# Study Plan\n\nDay **one** covers:\n\n- limits\n- derivatives\n")
	if err != nil {
		t.Fatalf("RenderHTML failed: %v", err)
	}

	for _, want := range []string{"<h1", "Study Plan", "<strong>one</strong>", "<li>limits</li>"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q:\n%s", want, html)
		}
	}
}

func TestRenderHTMLEscapesRawHTML(t *testing.T) {
	html, err := RenderHTML("hello <script>alert(1)</script>")
	if err != nil {
		t.Fatalf("RenderHTML failed: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("raw HTML passed through: %s", html)
	}
}

func TestMarkdownToParagraphs(t *testing.T) {
	paragraphs := markdownToParagraphs("# Title\n\nSome **bold** text.\n\n- first\n- second\n\n```\ncode line\n```\n")

	if len(paragraphs) < 4 {
		t.Fatalf("expected at least 4 paragraphs, got %d: %+v", len(paragraphs), paragraphs)
	}
	if !paragraphs[0].bold || paragraphs[0].halfSize == 0 {
		t.Errorf("heading not styled: %+v", paragraphs[0])
	}
	if paragraphs[0].text != "Title" {
		t.Errorf("heading text = %q, want %q", paragraphs[0].text, "Title")
	}

	var sawBullet, sawBold bool
	for _, p := range paragraphs {
		if strings.HasPrefix(p.text, "•") {
			sawBullet = true
		}
		if strings.Contains(p.text, "**") {
			sawBold = true
		}
	}
	if !sawBullet {
		t.Errorf("bullet list not converted: %+v", paragraphs)
	}
	if sawBold {
		t.Errorf("inline markers left in text: %+v", paragraphs)
	}
}

func TestWriteDOCX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.docx")
	if err := WriteDOCX("# Notes\n\nA & B <together>.\n", path); err != nil {
		t.Fatalf("WriteDOCX failed: %v", err)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("output is not a zip archive: %v", err)
	}
	defer reader.Close()

	var body string
	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("failed to open document part: %v", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("failed to read document part: %v", err)
		}
		body = string(data)
	}
	if body == "" {
		t.Fatal("word/document.xml missing from archive")
	}

	if !strings.Contains(body, "Notes") {
		t.Errorf("heading text missing from document body")
	}
	if !strings.Contains(body, "A &amp; B &lt;together&gt;.") {
		t.Errorf("special characters not escaped:\n%s", body)
	}
}

type fakeRegistrar struct {
	uploadErr  error
	attachErr  error
	uploaded   []string
	attachedKB string
	handles    []string
}

func (f *fakeRegistrar) UploadFile(_ context.Context, name string, _ []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, name)
	return "rf-" + name, nil
}

func (f *fakeRegistrar) AttachFilesToKnowledgeBase(_ context.Context, kbHandle string, fileHandles []string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attachedKB = kbHandle
	f.handles = append(f.handles, fileHandles...)
	return nil
}

func newTestService(t *testing.T, registrar RemoteRegistrar) (*Service, *services.ResourceService) {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)`,
		"user-1", "user-1@example.com", "x"); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	resources := services.NewResourceService(db)
	svc, err := NewService(t.TempDir(), resources, registrar)
	if err != nil {
		t.Fatalf("failed to create document service: %v", err)
	}
	return svc, resources
}

func TestSynthesizeDOCX(t *testing.T) {
	registrar := &fakeRegistrar{}
	svc, resources := newTestService(t, registrar)

	file, err := svc.Synthesize(context.Background(), "user-1", "# Plan\n\nContent.", "docx", "kb-1")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if !strings.HasSuffix(file.FileName, ".docx") {
		t.Errorf("FileName = %q, want .docx suffix", file.FileName)
	}
	if !strings.HasPrefix(file.URL, "/api/download/") {
		t.Errorf("URL = %q, want /api/download/ prefix", file.URL)
	}

	res, err := resources.GetOwned(context.Background(), file.ResourceID, "user-1")
	if err != nil {
		t.Fatalf("resource not persisted: %v", err)
	}
	if !res.Generated {
		t.Errorf("resource not marked generated")
	}
	if res.SizeBytes == 0 {
		t.Errorf("resource size not recorded")
	}

	if registrar.attachedKB != "kb-1" {
		t.Errorf("attachedKB = %q, want kb-1", registrar.attachedKB)
	}
	if len(registrar.handles) != 1 {
		t.Errorf("expected 1 attached handle, got %v", registrar.handles)
	}
}

func TestSynthesizePDFUsesRenderer(t *testing.T) {
	svc, _ := newTestService(t, nil)

	var gotHTML string
	svc.renderPDF = func(_ context.Context, html, outputPath string) error {
		gotHTML = html
		return os.WriteFile(outputPath, []byte("%PDF-1.4 stub"), 0600)
	}

	file, err := svc.Synthesize(context.Background(), "user-1", "# Plan", "pdf", "")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !strings.HasSuffix(file.FileName, ".pdf") {
		t.Errorf("FileName = %q, want .pdf suffix", file.FileName)
	}
	if !strings.Contains(gotHTML, "<h1") {
		t.Errorf("renderer did not receive rendered HTML: %q", gotHTML)
	}
}

func TestSynthesizeRegistrationIsBestEffort(t *testing.T) {
	registrar := &fakeRegistrar{uploadErr: errors.New("provider down")}
	svc, _ := newTestService(t, registrar)

	file, err := svc.Synthesize(context.Background(), "user-1", "Content.", "docx", "kb-1")
	if err != nil {
		t.Fatalf("Synthesize failed despite best-effort registration: %v", err)
	}
	if file.ResourceID == 0 {
		t.Errorf("resource not created")
	}
}

func TestSynthesizeUnknownFormat(t *testing.T) {
	svc, _ := newTestService(t, nil)

	if _, err := svc.Synthesize(context.Background(), "user-1", "Content.", "xlsx", ""); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestCleanupArtifacts(t *testing.T) {
	svc, _ := newTestService(t, nil)

	file, err := svc.Synthesize(context.Background(), "user-1", "Content.", "docx", "")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	artifactID := strings.TrimPrefix(file.URL, "/api/download/")

	artifact, exists := svc.GetArtifact(artifactID)
	if !exists {
		t.Fatal("artifact not registered")
	}

	// Fresh artifacts survive a sweep.
	svc.CleanupArtifacts()
	if _, exists := svc.GetArtifact(artifactID); !exists {
		t.Fatal("fresh artifact was cleaned up")
	}

	// Downloaded artifacts expire 5 minutes after download.
	svc.MarkDownloaded(artifactID)
	past := time.Now().Add(-6 * time.Minute)
	svc.mu.Lock()
	svc.artifacts[artifactID].DownloadedAt = &past
	svc.mu.Unlock()

	svc.CleanupArtifacts()
	if _, exists := svc.GetArtifact(artifactID); exists {
		t.Fatal("downloaded artifact not cleaned up")
	}
	if _, err := os.Stat(artifact.FilePath); !os.IsNotExist(err) {
		t.Errorf("artifact file not removed from disk")
	}
}

func TestCleanupArtifactsTTL(t *testing.T) {
	svc, _ := newTestService(t, nil)

	file, err := svc.Synthesize(context.Background(), "user-1", "Content.", "docx", "")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	artifactID := strings.TrimPrefix(file.URL, "/api/download/")

	svc.mu.Lock()
	svc.artifacts[artifactID].CreatedAt = time.Now().Add(-11 * time.Minute)
	svc.mu.Unlock()

	svc.CleanupArtifacts()
	if _, exists := svc.GetArtifact(artifactID); exists {
		t.Fatal("expired artifact not cleaned up")
	}
}
