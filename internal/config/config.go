// Package config loads client configuration from the environment.
package config

import (
	"errors"
	"os"
)

// Config holds the endpoints and local settings the chat client needs.
type Config struct {
	// ManagerURL is the base URL of the user-manager service
	// (guest registration and profile updates).
	ManagerURL string

	// ChatAPIURL is the base URL of the chat REST API
	// (conversation resolve and history pagination).
	ChatAPIURL string

	// ChatWSURL is the websocket endpoint of the chat server.
	ChatWSURL string

	// DataDir is where the session store keeps its data.
	DataDir string

	// GuestName is the display name used when registering a new guest.
	GuestName string
}

// FromEnv builds a Config from QC_* environment variables, falling back
// to defaults where it can.
func FromEnv() Config {
	cfg := Config{
		DataDir:   ".qc-chat",
		GuestName: "Guest Visitor",
	}

	if v := os.Getenv("QC_MANAGER_URL"); v != "" {
		cfg.ManagerURL = v
	}
	if v := os.Getenv("QC_CHAT_API_URL"); v != "" {
		cfg.ChatAPIURL = v
	}
	if v := os.Getenv("QC_CHAT_WS_URL"); v != "" {
		cfg.ChatWSURL = v
	}
	if v := os.Getenv("QC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QC_GUEST_NAME"); v != "" {
		cfg.GuestName = v
	}

	return cfg
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	if c.ManagerURL == "" {
		return errors.New("config: manager URL is not set")
	}
	if c.ChatAPIURL == "" {
		return errors.New("config: chat API URL is not set")
	}
	if c.ChatWSURL == "" {
		return errors.New("config: chat websocket URL is not set")
	}
	return nil
}
