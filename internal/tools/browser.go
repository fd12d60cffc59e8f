package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/microcosm-cc/bluemonday"
)

// BrowserTool drives a headless Chrome through chromedp. One browser process
// lives from Initialize to Cleanup.
type BrowserTool struct {
	Headless      bool
	ScreenshotDir string
	ActionTimeout time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{
		Headless:      headless,
		ScreenshotDir: "screenshots",
		ActionTimeout: 60 * time.Second,
	}
}

func (b *BrowserTool) ID() ToolID {
	return ToolBrowser
}

func (b *BrowserTool) Description() string {
	return "Control a browser to interact with websites. Operations: navigate, content, screenshot, click, type, press, scroll, wait, back, forward, reload."
}

func (b *BrowserTool) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.release()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	// The browser outlives individual requests, so it is not bound to ctx.
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserTool) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
	return nil
}

func (b *BrowserTool) release() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
}

func (b *BrowserTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	b.mu.Lock()
	browserCtx := b.browserCtx
	b.mu.Unlock()
	if browserCtx == nil {
		return nil, &CapabilityError{Tool: b.ID().String(), Operation: op, Reason: "browser not initialized"}
	}

	actionCtx, cancel := context.WithTimeout(browserCtx, b.ActionTimeout)
	defer cancel()
	// Stop the browser action if the caller gives up first.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	switch op {
	case "navigate":
		url := stringParam(params, "url")
		if url == "" {
			return nil, missingParam(b.ID(), op, "url")
		}
		var title, location string
		err := chromedp.Run(actionCtx,
			chromedp.Navigate(url),
			chromedp.Title(&title),
			chromedp.Location(&location),
		)
		if err != nil {
			return nil, fmt.Errorf("navigate %s: %w", url, err)
		}
		return Output{"result": location, "url": location, "title": title}, nil

	case "content":
		var html string
		err := chromedp.Run(actionCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				return err
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("content: %w", err)
		}
		text := bluemonday.StrictPolicy().Sanitize(html)
		return Output{"result": truncate(text, maxOutput), "html": truncate(html, maxOutput)}, nil

	case "click", "type", "press", "scroll", "wait", "back", "forward", "reload":
		act, done, err := b.pageAction(op, params)
		if err != nil {
			return nil, err
		}
		if err := chromedp.Run(actionCtx, act); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return Output{"result": done}, nil

	case "screenshot":
		var buf []byte
		if err := chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, fmt.Errorf("screenshot: %w", err)
		}
		if err := os.MkdirAll(b.ScreenshotDir, 0755); err != nil {
			return nil, err
		}
		path := filepath.Join(b.ScreenshotDir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
		if err := os.WriteFile(path, buf, 0644); err != nil {
			return nil, err
		}
		absPath, _ := filepath.Abs(path)
		return Output{"result": absPath, "path": absPath}, nil

	default:
		return nil, unsupported(b.ID(), op)
	}
}

// namedKeys maps key names used in step text to chromedp key sequences.
var namedKeys = map[string]string{
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"esc":       kb.Escape,
	"backspace": kb.Backspace,
}

// pageAction builds the chromedp action for the in-page operations and a
// description of what it did.
func (b *BrowserTool) pageAction(op string, params map[string]any) (chromedp.Action, string, error) {
	selector := stringParam(params, "selector")
	needSelector := func() error {
		if selector == "" {
			return missingParam(b.ID(), op, "selector")
		}
		return nil
	}

	switch op {
	case "click":
		if err := needSelector(); err != nil {
			return nil, "", err
		}
		return chromedp.Click(selector, chromedp.ByQuery), "clicked " + selector, nil
	case "type":
		if err := needSelector(); err != nil {
			return nil, "", err
		}
		text := stringParam(params, "text")
		if text == "" {
			return nil, "", missingParam(b.ID(), op, "text")
		}
		return chromedp.SendKeys(selector, text, chromedp.ByQuery), fmt.Sprintf("typed %q into %s", text, selector), nil
	case "press":
		key := strings.ToLower(stringParam(params, "key"))
		seq, ok := namedKeys[key]
		if !ok {
			if len([]rune(key)) != 1 {
				return nil, "", &CapabilityError{Tool: b.ID().String(), Operation: op, Reason: fmt.Sprintf("unknown key %q", key)}
			}
			seq = key
		}
		return chromedp.KeyEvent(seq), "pressed " + key, nil
	case "scroll":
		if selector != "" {
			return chromedp.ScrollIntoView(selector, chromedp.ByQuery), "scrolled to " + selector, nil
		}
		return chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil), "scrolled to the bottom", nil
	case "wait":
		if err := needSelector(); err != nil {
			return nil, "", err
		}
		return chromedp.WaitVisible(selector, chromedp.ByQuery), selector + " is visible", nil
	case "back":
		return chromedp.NavigateBack(), "went back", nil
	case "forward":
		return chromedp.NavigateForward(), "went forward", nil
	case "reload":
		return chromedp.Reload(), "reloaded", nil
	}
	return nil, "", unsupported(b.ID(), op)
}
