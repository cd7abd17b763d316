package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// browserKind is the ResourceManager kind key for the per-session browser
// instance.
const browserKind = "browser"

// browserResource wraps a single Playwright browser/context/page triple
// scoped to one session, honoring the out-of-scope browser-automation
// contract (§1): the Tool Executor only needs to construct, use, and tear
// it down, never know how rendering or VNC streaming works internally.
type browserResource struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func (b *browserResource) Close() error {
	if b.context != nil {
		_ = b.context.Close()
	}
	if b.browser != nil {
		_ = b.browser.Close()
	}
	if b.pw != nil {
		_ = b.pw.Stop()
	}
	return nil
}

// BrowserConfig controls the lazily-created per-session browser.
type BrowserConfig struct {
	Headless bool
}

func newBrowserFactory(cfg BrowserConfig) Factory {
	return func(sessionID string) (Resource, error) {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("browser tool: start playwright: %w", err)
		}
		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(cfg.Headless)})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("browser tool: launch chromium: %w", err)
		}
		bctx, err := browser.NewContext()
		if err != nil {
			_ = browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("browser tool: new context: %w", err)
		}
		page, err := bctx.NewPage()
		if err != nil {
			_ = bctx.Close()
			_ = browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("browser tool: new page: %w", err)
		}
		return &browserResource{pw: pw, browser: browser, context: bctx, page: page}, nil
	}
}

// RegisterBrowserTools wires browser_navigate and browser_content into
// exec. Both lazily acquire the session's browser instance from
// exec.Resources(); the instance is reclaimed by the idle sweep or
// explicit session deletion, never by the tool itself.
func RegisterBrowserTools(exec *Executor, cfg BrowserConfig) {
	factory := newBrowserFactory(cfg)
	exec.Register(&browserNavigateTool{exec: exec, factory: factory})
	exec.Register(&browserContentTool{exec: exec, factory: factory})
}

// BrowserScreenshot captures the session's current browser page as a PNG,
// for use as the screenshot func RegisterVNCTools needs to locate
// on-screen elements. It returns the same "resource went away" error the
// other browser tools do if the session's browser was reclaimed.
func BrowserScreenshot(exec *Executor, cfg BrowserConfig) func(ctx context.Context, sessionID string) ([]byte, error) {
	factory := newBrowserFactory(cfg)
	return func(_ context.Context, sessionID string) ([]byte, error) {
		res, err := exec.Resources().Get(sessionID, browserKind, factory)
		if err != nil {
			return nil, err
		}
		b := res.(*browserResource)
		shot, err := b.page.Screenshot()
		if err != nil {
			return nil, fmt.Errorf("browser tool: the resource went away mid-screenshot: %w", err)
		}
		return shot, nil
	}
}

type browserNavigateTool struct {
	exec    *Executor
	factory Factory
}

func (t *browserNavigateTool) Name() string        { return "browser_navigate" }
func (t *browserNavigateTool) Description() string  { return "Navigate the session's browser to a URL." }
func (t *browserNavigateTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"url": map[string]any{"type": "string"}},
		"required":   []string{"url"},
	}
}

func (t *browserNavigateTool) Execute(_ context.Context, cc CallContext, params json.RawMessage) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	res, err := t.exec.Resources().Get(cc.SessionID, browserKind, t.factory)
	if err != nil {
		return "", err
	}
	b := res.(*browserResource)
	if _, err := b.page.Goto(args.URL); err != nil {
		return "", fmt.Errorf("browser tool: the resource went away mid-navigation: %w", err)
	}
	return "navigated to " + args.URL, nil
}

// browserContentTool returns the page's visible text content tagged with
// the "browser_content" sentinel the Context Assembler's large-result
// collapsing rule (§4.3) recognizes.
type browserContentTool struct {
	exec    *Executor
	factory Factory
}

func (t *browserContentTool) Name() string        { return "browser_content" }
func (t *browserContentTool) Description() string  { return "Read the session's browser current page content." }
func (t *browserContentTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *browserContentTool) Execute(_ context.Context, cc CallContext, _ json.RawMessage) (string, error) {
	res, err := t.exec.Resources().Get(cc.SessionID, browserKind, t.factory)
	if err != nil {
		return "", err
	}
	b := res.(*browserResource)
	title, _ := b.page.Title()
	url := b.page.URL()
	text, err := b.page.InnerText("body")
	if err != nil {
		return "", fmt.Errorf("browser tool: the resource went away reading content: %w", err)
	}
	out, err := json.Marshal(map[string]any{
		"type":  "browser_content",
		"url":   url,
		"title": title,
		"text":  text,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
