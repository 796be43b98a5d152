// Package render captures annotation areas from the document viewer with
// headless Chrome.
package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"marginalia/api/internal/annotation"
)

var (
	ErrChromeMissing = errors.New("chromium not installed")
	ErrEmptyArea     = errors.New("position has no area")
	ErrClosed        = errors.New("renderer closed")
)

type Options struct {
	// ViewerURL serves one page per request, selected by the "page" query
	// parameter (one-based).
	ViewerURL string
	// PageHeight is the height of a page in page coordinates; y grows upwards.
	PageHeight float64
	// Scale converts page coordinates to CSS pixels.
	Scale   float64
	Timeout time.Duration
	Logger  *slog.Logger
}

// Chrome renders areas through a long-lived headless browser. Each render
// opens its own tab.
type Chrome struct {
	opts Options

	mu          sync.Mutex
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	closed      bool
}

func NewChrome(opts Options) (*Chrome, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, ErrChromeMissing
		}
	}
	if _, err := url.Parse(opts.ViewerURL); err != nil || opts.ViewerURL == "" {
		return nil, fmt.Errorf("invalid viewer url %q", opts.ViewerURL)
	}
	if opts.PageHeight <= 0 {
		opts.PageHeight = 792
	}
	if opts.Scale <= 0 {
		opts.Scale = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Chrome options for headless mode in container
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), flags...)
	return &Chrome{opts: opts, allocCtx: allocCtx, cancelAlloc: cancel}, nil
}

// RenderArea captures the bounding box of position's rects as a PNG data URL.
func (c *Chrome) RenderArea(ctx context.Context, position annotation.Position) (string, error) {
	clip, err := Clip(position, c.opts.PageHeight, c.opts.Scale)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	allocCtx := c.allocCtx
	c.mu.Unlock()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.opts.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	started := time.Now()
	var png []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(PageURL(c.opts.ViewerURL, position.PageIndex)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(clip).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("chrome capture page %d: %w", position.PageIndex, err)
	}
	c.opts.Logger.Debug("render: area captured",
		"pageIndex", position.PageIndex,
		"bytes", len(png),
		"elapsed", time.Since(started),
	)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelAlloc()
}

// PageURL selects a page of the viewer by its one-based number.
func PageURL(viewerURL string, pageIndex int) string {
	u, err := url.Parse(viewerURL)
	if err != nil {
		return viewerURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(pageIndex+1))
	u.RawQuery = q.Encode()
	return u.String()
}

// Clip converts the bounding box of position's rects from page coordinates
// (origin bottom left) to a CSS pixel viewport (origin top left).
func Clip(position annotation.Position, pageHeight, scale float64) (*page.Viewport, error) {
	if len(position.Rects) == 0 {
		return nil, ErrEmptyArea
	}
	x1, y1 := math.Inf(1), math.Inf(1)
	x2, y2 := math.Inf(-1), math.Inf(-1)
	for i, rect := range position.Rects {
		if len(rect) < 4 {
			return nil, fmt.Errorf("rect %d has %d coordinates", i, len(rect))
		}
		x1 = math.Min(x1, math.Min(rect[0], rect[2]))
		x2 = math.Max(x2, math.Max(rect[0], rect[2]))
		y1 = math.Min(y1, math.Min(rect[1], rect[3]))
		y2 = math.Max(y2, math.Max(rect[1], rect[3]))
	}
	if x2-x1 <= 0 || y2-y1 <= 0 {
		return nil, ErrEmptyArea
	}
	return &page.Viewport{
		X:      x1 * scale,
		Y:      (pageHeight - y2) * scale,
		Width:  (x2 - x1) * scale,
		Height: (y2 - y1) * scale,
		Scale:  1,
	}, nil
}
