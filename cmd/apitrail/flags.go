package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds minimal global/persistent flags for CLI commands.
type GlobalFlags struct {
	ConfigPath string // Only config path for CLI commands
}

type StartFlags struct {
	Name        string
	SourceURL   string
	OperationID string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ControlFlags struct {
	OperationID string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ResumeFlags struct {
	SessionID   string
	OperationID string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ExportFlags struct {
	SessionID   string
	OperationID string
	Output      string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type SessionsFlags struct {
	SessionID string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
}
