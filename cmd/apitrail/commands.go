package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/apitrail/apitrail/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8087/api"

type command struct{}

func apiClient(apiUrl string, timeout time.Duration) *client.Client {
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	return client.New(client.Config{BaseURL: apiUrl, Timeout: timeout})
}

// Start begins a new recording session via the daemon API.
func (c *command) Start(f StartFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.Start(context.Background(), f.Name, f.SourceURL, f.OperationID)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// Pause suspends capture on the active session.
func (c *command) Pause(f ControlFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.Pause(context.Background(), f.OperationID)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// Resume continues a paused recording, or reopens a stopped session when
// --session is given.
func (c *command) Resume(f ResumeFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.Resume(context.Background(), f.SessionID, f.OperationID)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// Stop closes the active session.
func (c *command) Stop(f ControlFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.Stop(context.Background(), f.OperationID)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// ClearError acknowledges a recorder failure.
func (c *command) ClearError(f ControlFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.ClearError(context.Background(), f.OperationID)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// Status prints the lifecycle snapshot.
func (c *command) Status(f StatusFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	snap, err := cl.State(context.Background())
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

// SessionsList prints all sessions, most recently updated first.
func (c *command) SessionsList(f SessionsFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	sessions, err := cl.Sessions(context.Background())
	if err != nil {
		return err
	}
	printJSON(sessions)
	return nil
}

// SessionsDelete removes one session and its calls.
func (c *command) SessionsDelete(f SessionsFlags) error {
	if f.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	cl := apiClient(f.APIUrl, f.APITimeout)
	if err := cl.DeleteSession(context.Background(), f.SessionID); err != nil {
		return err
	}
	fmt.Printf("deleted session %s\n", f.SessionID)
	return nil
}

// Clear deletes every session and call on the daemon.
func (c *command) Clear(f SessionsFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	if err := cl.ClearAll(context.Background()); err != nil {
		return err
	}
	fmt.Println("cleared all sessions")
	return nil
}

// Export downloads a session artifact. With --output it writes to the
// named file; otherwise the NDJSON goes to stdout. Without --session it
// runs the lifecycle export of the last closed session instead.
func (c *command) Export(f ExportFlags) error {
	cl := apiClient(f.APIUrl, f.APITimeout)
	ctx := context.Background()

	if f.SessionID == "" {
		snap, err := cl.Export(ctx, "", f.OperationID)
		if err != nil {
			return err
		}
		printJSON(snap)
		return nil
	}

	if f.Output == "" {
		return cl.ExportDownload(ctx, f.SessionID, os.Stdout)
	}
	file, err := os.Create(f.Output)
	if err != nil {
		return err
	}
	if err := cl.ExportDownload(ctx, f.SessionID, file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Printf("exported session %s to %s\n", f.SessionID, f.Output)
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}
