package server

import (
	"encoding/json"

	"coveriteam/internal/domain"
)

// Request payloads

type ResolveRequest struct {
	Path string `json:"path" minLength:"1" doc:"Actor definition file on the server"`
}

type PolicyCheckRequest struct {
	Location       string `json:"location,omitempty" doc:"Archive location to check"`
	DefinitionPath string `json:"definition_path,omitempty" doc:"Definition whose archive location is checked"`
}

type InstallRequest struct {
	DefinitionPath string `json:"definition_path" minLength:"1"`
}

// Response payloads

type ResolveResponse struct {
	Path          string         `json:"path"`
	Definition    map[string]any `json:"definition"`
	IncludedFiles []string       `json:"included_files"`
}

type InstallationResponse struct {
	ID              string   `json:"id"`
	ActorName       string   `json:"actor_name"`
	DefinitionPath  string   `json:"definition_path"`
	FormatVersion   string   `json:"format_version,omitempty"`
	ArchiveLocation string   `json:"archive_location"`
	InstallDir      string   `json:"install_dir"`
	ToolName        string   `json:"tool_name"`
	MemLimit        int64    `json:"memlimit"`
	TimeLimit       int64    `json:"timelimit"`
	CPUCores        int      `json:"cpu_cores,omitempty"`
	IncludedFiles   []string `json:"included_files"`
	Downloaded      bool     `json:"downloaded"`
	InstalledAt     string   `json:"installed_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ActorName string         `json:"actor_name,omitempty"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload"`
}

type installationList struct {
	Items []InstallationResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func installationResponse(i domain.Installation) InstallationResponse {
	i.IncludedFiles = nonNilSlice(i.IncludedFiles)
	return InstallationResponse(i)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ActorName: e.ActorName,
		Subject:   e.Subject,
		Payload:   decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
