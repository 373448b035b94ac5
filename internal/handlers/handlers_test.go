package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mentora/internal/database"
	"mentora/internal/document"
	"mentora/internal/models"
	"mentora/internal/services"
	"mentora/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

type stubHandleProvider struct{}

func (stubHandleProvider) CreateConversationHandle(ctx context.Context) (string, error) {
	return "conv-1", nil
}

func (stubHandleProvider) CreateKnowledgeBaseHandle(ctx context.Context) (string, error) {
	return "kb-1", nil
}

func setupTestApp(t *testing.T) (*fiber.App, *database.DB) {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	app := fiber.New()

	// Test auth shim: the user comes from a header instead of a JWT.
	app.Use(func(c *fiber.Ctx) error {
		if userID := c.Get("X-Test-User"); userID != "" {
			c.Locals("user_id", userID)
		}
		return c.Next()
	})

	return app, db
}

func createTestUser(t *testing.T, db *database.DB, userID string) {
	t.Helper()

	_, err := db.Exec(`INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)`,
		userID, userID+"@example.com", "x")
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
}

func doJSON(t *testing.T, app *fiber.App, method, path, userID string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	parsed := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("Failed to parse response %q: %v", data, err)
		}
	}
	return resp.StatusCode, parsed
}

func TestHealthHandler(t *testing.T) {
	app, _ := setupTestApp(t)

	handler := NewHealthHandler(services.NewConnectionManager())
	app.Get("/health", handler.Handle)

	status, body := doJSON(t, app, "GET", "/health", "", nil)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var health string
	if err := json.Unmarshal(body["status"], &health); err != nil || health != "healthy" {
		t.Errorf("status field = %s, want healthy", body["status"])
	}
}

func TestRoomHandlerCreateAndList(t *testing.T) {
	app, db := setupTestApp(t)
	createTestUser(t, db, "user-1")

	rooms := services.NewRoomService(db, stubHandleProvider{}, nil)
	handler := NewRoomHandler(rooms, services.NewConversationLog(db))
	app.Post("/api/rooms", handler.Create)
	app.Get("/api/rooms", handler.List)

	status, body := doJSON(t, app, "POST", "/api/rooms", "user-1", createRoomRequest{Name: "Algebra"})
	if status != fiber.StatusCreated {
		t.Fatalf("create status = %d, want 201: %v", status, body)
	}

	var room models.Room
	raw, _ := json.Marshal(body)
	if err := json.Unmarshal(raw, &room); err != nil {
		t.Fatalf("Failed to parse room: %v", err)
	}
	if room.Name != "Algebra" || room.ConversationHandle != "conv-1" {
		t.Errorf("unexpected room: %+v", room)
	}

	status, listBody := doJSON(t, app, "GET", "/api/rooms", "user-1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	var listed []models.Room
	if err := json.Unmarshal(listBody["rooms"], &listed); err != nil {
		t.Fatalf("Failed to parse room list: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected 1 room, got %d", len(listed))
	}
}

func TestRoomHandlerOwnership(t *testing.T) {
	app, db := setupTestApp(t)
	createTestUser(t, db, "user-1")
	createTestUser(t, db, "user-2")

	rooms := services.NewRoomService(db, stubHandleProvider{}, nil)
	handler := NewRoomHandler(rooms, services.NewConversationLog(db))
	app.Post("/api/rooms", handler.Create)
	app.Get("/api/rooms/:id", handler.Get)
	app.Put("/api/rooms/:id", handler.Rename)

	room, err := rooms.Create(context.Background(), "user-1", "Mine", "")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	status, _ := doJSON(t, app, "GET", "/api/rooms/1", "user-2", nil)
	if status != fiber.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", status)
	}

	status, _ = doJSON(t, app, "PUT", "/api/rooms/1", "user-2", renameRoomRequest{Name: "Stolen"})
	if status != fiber.StatusNotFound {
		t.Errorf("foreign rename status = %d, want 404", status)
	}

	got, err := rooms.GetOwned(context.Background(), room.ID, "user-1")
	if err != nil {
		t.Fatalf("owner lost access: %v", err)
	}
	if got.Name != "Mine" {
		t.Errorf("room name changed by foreign rename: %q", got.Name)
	}
}

func TestRoomHandlerUnauthenticated(t *testing.T) {
	app, db := setupTestApp(t)

	rooms := services.NewRoomService(db, stubHandleProvider{}, nil)
	handler := NewRoomHandler(rooms, services.NewConversationLog(db))
	app.Get("/api/rooms", handler.List)

	status, _ := doJSON(t, app, "GET", "/api/rooms", "", nil)
	if status != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestContextHandler(t *testing.T) {
	app, db := setupTestApp(t)
	createTestUser(t, db, "user-1")

	store := services.NewContextStore(db, 30, []string{"name"})
	users := services.NewUserService(db)
	handler := NewContextHandler(store, users)
	app.Get("/api/context", handler.ListFacts)
	app.Delete("/api/context/:key", handler.DeleteFact)
	app.Put("/api/context/settings", handler.SetMemorySetting)

	if _, err := store.Merge(context.Background(), "user-1", map[string]interface{}{
		"name":  "Ada",
		"hobby": "chess",
	}, models.MergeOptions{}); err != nil {
		t.Fatalf("Failed to seed facts: %v", err)
	}

	status, body := doJSON(t, app, "GET", "/api/context", "user-1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	var facts map[string]models.Fact
	if err := json.Unmarshal(body["facts"], &facts); err != nil {
		t.Fatalf("Failed to parse facts: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("expected 2 facts, got %d", len(facts))
	}

	status, _ = doJSON(t, app, "DELETE", "/api/context/hobby", "user-1", nil)
	if status != fiber.StatusOK {
		t.Fatalf("delete status = %d, want 200", status)
	}

	remaining, err := store.GetValid(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if _, ok := remaining["hobby"]; ok {
		t.Error("fact not deleted")
	}

	status, body = doJSON(t, app, "PUT", "/api/context/settings", "user-1",
		memorySettingRequest{AllowMemoryStorage: false})
	if status != fiber.StatusOK {
		t.Fatalf("settings status = %d, want 200: %v", status, body)
	}
	if users.AllowsMemoryStorage(context.Background(), "user-1") {
		t.Error("memory setting not persisted")
	}
}

func TestLocalAuthFlow(t *testing.T) {
	app, db := setupTestApp(t)

	jwtAuth, err := auth.NewLocalJWTAuth("test-secret-key-for-auth-flow", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Failed to create JWT auth: %v", err)
	}
	users := services.NewUserService(db)
	handler := NewLocalAuthHandler(jwtAuth, users)
	app.Post("/api/auth/register", handler.Register)
	app.Post("/api/auth/login", handler.Login)
	app.Post("/api/auth/refresh", handler.Refresh)

	status, body := doJSON(t, app, "POST", "/api/auth/register", "",
		RegisterRequest{Email: "Ada@Example.com", Password: "Sup3rSecret"})
	if status != fiber.StatusCreated {
		t.Fatalf("register status = %d, want 201: %v", status, body)
	}

	var access string
	if err := json.Unmarshal(body["access_token"], &access); err != nil || access == "" {
		t.Fatal("register returned no access token")
	}

	user, err := jwtAuth.VerifyAccessToken(access)
	if err != nil {
		t.Fatalf("access token invalid: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("token email = %q, want lowercased", user.Email)
	}

	t.Run("duplicate email rejected", func(t *testing.T) {
		status, _ := doJSON(t, app, "POST", "/api/auth/register", "",
			RegisterRequest{Email: "ada@example.com", Password: "Sup3rSecret"})
		if status != fiber.StatusConflict {
			t.Errorf("status = %d, want 409", status)
		}
	})

	t.Run("weak password rejected", func(t *testing.T) {
		status, _ := doJSON(t, app, "POST", "/api/auth/register", "",
			RegisterRequest{Email: "bob@example.com", Password: "short"})
		if status != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", status)
		}
	})

	t.Run("login", func(t *testing.T) {
		status, body := doJSON(t, app, "POST", "/api/auth/login", "",
			LoginRequest{Email: "ada@example.com", Password: "Sup3rSecret"})
		if status != fiber.StatusOK {
			t.Fatalf("login status = %d, want 200: %v", status, body)
		}

		var refresh string
		if err := json.Unmarshal(body["refresh_token"], &refresh); err != nil || refresh == "" {
			t.Fatal("login returned no refresh token")
		}

		status, body = doJSON(t, app, "POST", "/api/auth/refresh", "",
			RefreshTokenRequest{RefreshToken: refresh})
		if status != fiber.StatusOK {
			t.Fatalf("refresh status = %d, want 200: %v", status, body)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		status, _ := doJSON(t, app, "POST", "/api/auth/login", "",
			LoginRequest{Email: "ada@example.com", Password: "WrongPass1"})
		if status != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})
}

func newDownloadTestService(t *testing.T, resources *services.ResourceService) (*document.Service, error) {
	t.Helper()
	return document.NewService(t.TempDir(), resources, nil)
}

func TestDownloadOwnerOnly(t *testing.T) {
	app, db := setupTestApp(t)
	createTestUser(t, db, "user-1")
	createTestUser(t, db, "user-2")

	// The document service registers artifacts; build one for user-1.
	resources := services.NewResourceService(db)
	docs, err := newDownloadTestService(t, resources)
	if err != nil {
		t.Fatalf("Failed to create document service: %v", err)
	}

	file, err := docs.Synthesize(context.Background(), "user-1", "Content.", "docx", "")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	artifactID := strings.TrimPrefix(file.URL, "/api/download/")

	handler := NewDownloadHandler(docs)
	app.Get("/api/download/:id", handler.Download)

	req := httptest.NewRequest("GET", "/api/download/"+artifactID, nil)
	req.Header.Set("X-Test-User", "user-2")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("foreign download status = %d, want 404", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/api/download/"+artifactID, nil)
	req.Header.Set("X-Test-User", "user-1")
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("owner download status = %d, want 200", resp.StatusCode)
	}

	artifact, _ := docs.GetArtifact(artifactID)
	if !artifact.Downloaded {
		t.Error("artifact not marked downloaded")
	}
}
