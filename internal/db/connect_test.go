package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/models"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, Name: "switchyard"}
	got := DSN(cfg)
	want := "root@tcp(127.0.0.1:3306)/switchyard?parseTime=true"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}

func TestDSN_WithCredentials(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: 3307, User: "yard", Password: "pw", Name: "sy"}
	got := DSN(cfg)
	if !strings.HasPrefix(got, "yard:pw@tcp(db:3307)/sy") {
		t.Errorf("DSN = %q, want yard:pw prefix", got)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	// Spot-check one table round-trip.
	conv := models.Conversation{ID: "c1", Title: "test"}
	if err := gdb.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	var got models.Conversation
	if err := gdb.First(&got, "id = ?", "c1").Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if got.Title != "test" {
		t.Errorf("Title = %q, want %q", got.Title, "test")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 7 {
		t.Errorf("AllModels len = %d, want 7", got)
	}
}
