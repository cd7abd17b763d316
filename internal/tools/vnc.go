package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// CoordinateBackend resolves on-screen element coordinates for the VNC
// click tool. The browser-automation/VNC internals themselves are out of
// scope (§1); this is the narrow interface the Tool Executor honors so the
// `vnc_coordinate_backend` runtime setting (§6) has somewhere concrete to
// land.
type CoordinateBackend interface {
	// Name identifies the backend, e.g. "vision" or "showui".
	Name() string
	// Locate returns the x,y coordinate of the on-screen element best
	// matching description, given the current screenshot.
	Locate(ctx context.Context, screenshot []byte, description string) (x, y int, err error)
}

// VNCSettings is the subset of Settings the vnc_click tool needs resolved
// at call time, since the backend selector is runtime-mutable.
type VNCSettings interface {
	VNCCoordinateBackend(ctx context.Context) (string, error)
}

// RegisterVNCTools wires vnc_click into exec. backends maps a backend
// name ("vision", "showui") to its CoordinateBackend implementation;
// missing entries fail the call with a structured error rather than a
// panic, matching §9's "observes the resource going away and returns a
// structured error" idiom.
func RegisterVNCTools(exec *Executor, settings VNCSettings, backends map[string]CoordinateBackend, screenshot func(ctx context.Context, sessionID string) ([]byte, error)) {
	exec.Register(&vncClickTool{settings: settings, backends: backends, screenshot: screenshot})
}

type vncClickTool struct {
	settings   VNCSettings
	backends   map[string]CoordinateBackend
	screenshot func(ctx context.Context, sessionID string) ([]byte, error)
}

func (t *vncClickTool) Name() string        { return "vnc_click" }
func (t *vncClickTool) Description() string  { return "Click an on-screen element described in natural language, via the session's VNC target." }
func (t *vncClickTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"description": map[string]any{"type": "string", "description": "Natural-language description of the element to click."}},
		"required":   []string{"description"},
	}
}

func (t *vncClickTool) Execute(ctx context.Context, cc CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	backendName, err := t.settings.VNCCoordinateBackend(ctx)
	if err != nil {
		return "", err
	}
	backend, ok := t.backends[backendName]
	if !ok {
		return "", fmt.Errorf("vnc tool: no coordinate backend registered for %q", backendName)
	}

	shot, err := t.screenshot(ctx, cc.SessionID)
	if err != nil {
		return "", fmt.Errorf("vnc tool: the session's VNC target went away: %w", err)
	}
	x, y, err := backend.Locate(ctx, shot, args.Description)
	if err != nil {
		return "", err
	}
	if cc.Progress != nil {
		cc.Progress(fmt.Sprintf("clicking (%d,%d) via %s backend", x, y, backend.Name()))
	}
	return fmt.Sprintf("clicked (%d,%d)", x, y), nil
}
