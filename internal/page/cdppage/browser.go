package cdppage

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/weblight/acb/internal/config"
)

// Browser owns the chromedp allocator and one tab context. acb drives a
// single tab per process; isolation between runs comes from process
// isolation, not tab pools.
type Browser struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *zap.Logger
}

// Launch starts a browser process per the config and attaches a tab.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("browser")

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "0"))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		log.Sugar().Debugf(format, args...)
	}))

	// Force the browser process to start now so a broken install fails
	// Launch instead of the first page operation.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	log.Info("browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))

	return &Browser{
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		logger:      log,
	}, nil
}

// Navigate loads the URL and waits for the document to be ready.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := combineContext(b.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// Tab wraps the browser's tab in the page contract.
func (b *Browser) Tab() (*Tab, error) {
	return NewTab(b.tabCtx, b.logger)
}

// Overlay attaches the feedback layer to the browser's tab.
func (b *Browser) Overlay(t *Tab) (*Overlay, error) {
	return NewOverlay(t, b.logger)
}

// Close tears down the tab and the browser process.
func (b *Browser) Close() {
	b.cancelTab()
	b.cancelAlloc()
}
