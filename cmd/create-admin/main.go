package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"mailsink/backend/internal/auth"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/logger"
	"mailsink/backend/internal/storage/factory"
)

// main 创建或重置管理员账户，并打印其 API Key
//
// 用法: create-admin <username> <password>
func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: create-admin <username> <password>")
		os.Exit(1)
	}
	username := os.Args[1]
	password := os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.Type == "memory" {
		fmt.Println("storage.type is memory; the admin would be lost on exit. Use file or sql storage.")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	backend, err := factory.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}

	registry := auth.NewRegistry(backend.Store, cfg.Auth, log)
	identity, created, err := registry.UpsertAdmin(username, password)
	if closeErr := backend.Close(); closeErr != nil {
		log.Error("failed to close storage", zap.Error(closeErr))
	}
	if err != nil {
		fmt.Printf("Failed to save admin: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Println("Admin created successfully!")
	} else {
		fmt.Println("Existing account promoted to admin and password reset.")
	}
	fmt.Printf("ID:       %s\n", identity.ID)
	fmt.Printf("Username: %s\n", identity.Username)
	fmt.Printf("API Key:  %s\n", identity.APIKey)
}
