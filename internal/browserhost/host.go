// Package browserhost drives a Chromium instance through Playwright and
// attaches the capture taps to every page it opens.
package browserhost

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/SwayamMehta10/AuthRecall/internal/capture"
	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

type Options struct {
	Extractor *signal.Extractor
	Sink      Sink
	Headless  bool
	// Install downloads the driver and browser before starting.
	Install bool
	Logger  *slog.Logger
}

// Host owns one browser context. Each page gets its own capture session,
// replaced whenever the page's main frame navigates.
type Host struct {
	extractor *signal.Extractor
	sink      Sink
	logger    *slog.Logger

	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext

	mu    sync.Mutex
	pages map[playwright.Page]*pageState
}

type pageState struct {
	capture *capture.Page
	sdk     *pageSDK
}

func Launch(opts Options) (*Host, error) {
	if opts.Sink == nil {
		return nil, errors.New("browserhost: sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = signal.NewExtractor(nil)
	}
	runOpts := &playwright.RunOptions{Browsers: []string{"chromium"}, Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
	if opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(opts.Headless)})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browserContext, err := browser.NewContext()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("create context: %w", err)
	}
	h := &Host{
		extractor: extractor,
		sink:      opts.Sink,
		logger:    logger,
		pw:        pw,
		browser:   browser,
		context:   browserContext,
		pages:     map[playwright.Page]*pageState{},
	}
	if err := h.install(); err != nil {
		_ = h.Close()
		return nil, err
	}
	browserContext.OnPage(h.attach)
	return h, nil
}

func (h *Host) install() error {
	bindings := map[string]playwright.BindingCallFunction{
		"__authrecallMessage":    h.onMessage,
		"__authrecallInitialize": h.onInitialize,
		"__authrecallCredential": h.onCredential,
		"__authrecallSDKReady":   h.onSDKReady,
		"__authrecallAccount":    h.onAccountClick,
	}
	for name, binding := range bindings {
		if err := h.context.ExposeBinding(name, binding); err != nil {
			return fmt.Errorf("expose %s: %w", name, err)
		}
	}
	script := messageScript
	if err := h.context.AddInitScript(playwright.Script{Content: &script}); err != nil {
		return fmt.Errorf("add init script: %w", err)
	}
	return nil
}

// Open creates a page and navigates it to url.
func (h *Host) Open(url string) (playwright.Page, error) {
	page, err := h.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if _, err := page.Goto(url); err != nil {
		return page, fmt.Errorf("navigate %s: %w", url, err)
	}
	return page, nil
}

func (h *Host) attach(page playwright.Page) {
	h.reset(page)
	// Handlers run on the driver's dispatch loop; anything that calls back
	// into the page must leave it.
	page.OnResponse(func(resp playwright.Response) {
		go h.onResponse(page, resp)
	})
	page.OnFrameNavigated(func(frame playwright.Frame) {
		if frame == page.MainFrame() {
			h.reset(page)
		}
	})
	page.OnLoad(func(p playwright.Page) {
		go h.checkOAuthChooser(p)
	})
	page.OnClose(func(p playwright.Page) {
		h.mu.Lock()
		state := h.pages[p]
		delete(h.pages, p)
		h.mu.Unlock()
		if state != nil {
			go state.capture.Stop()
		}
	})
}

// reset starts a fresh capture session for page, stopping the previous one.
func (h *Host) reset(page playwright.Page) {
	sdk := newPageSDK(page)
	emitter := capture.EmitterFunc(func(event capture.Event) {
		h.sink.EmailDetected(event.Email, event.Source, page.URL())
	})
	state := &pageState{
		capture: capture.NewPage(capture.PageOptions{
			Extractor:      h.extractor,
			Emitter:        emitter,
			LocalStorage:   pageStorage{page: page, area: "localStorage"},
			SessionStorage: pageStorage{page: page, area: "sessionStorage"},
			SDKHost:        sdk,
			Logger:         h.logger,
		}),
		sdk: sdk,
	}
	h.mu.Lock()
	previous := h.pages[page]
	h.pages[page] = state
	h.mu.Unlock()
	if previous != nil {
		// Stop waits for running scans, which may be evaluating in the page.
		go previous.capture.Stop()
	}
	state.capture.Start()
}

func (h *Host) state(page playwright.Page) *pageState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages[page]
}

func (h *Host) onResponse(page playwright.Page, resp playwright.Response) {
	switch resp.Request().ResourceType() {
	case "xhr", "fetch":
	default:
		return
	}
	state := h.state(page)
	if state == nil {
		return
	}
	if !h.extractor.IsQualifyingEndpoint(resp.URL()) {
		return
	}
	body, err := resp.Body()
	if err != nil {
		h.logger.Debug("response body unavailable", "url", resp.URL(), "error", err)
		return
	}
	state.capture.Network.ObserveXHR(capture.XHRResponse{
		URL:          resp.URL(),
		ContentType:  resp.Headers()["content-type"],
		ResponseType: "arraybuffer",
		Body:         body,
	})
}

func (h *Host) checkOAuthChooser(page playwright.Page) {
	pageURL := page.URL()
	if !capture.IsOAuthFlow(pageURL) {
		return
	}
	content, err := page.Content()
	if err != nil {
		return
	}
	referrer := ""
	if result, err := page.Evaluate(`() => document.referrer`); err == nil {
		referrer, _ = result.(string)
	}
	selection, ok := capture.DetectOAuthSelection(pageURL, referrer, strings.NewReader(content))
	if !ok {
		return
	}
	h.sink.OAuthAccountSelected(selection.Email, selection.Domain)
}

func (h *Host) onMessage(source *playwright.BindingSource, args ...interface{}) interface{} {
	if source == nil || len(args) == 0 {
		return nil
	}
	if state := h.state(source.Page); state != nil {
		state.capture.Message.HandleMessage(args[0])
	}
	return nil
}

func (h *Host) onInitialize(source *playwright.BindingSource, args ...interface{}) interface{} {
	if source == nil {
		return nil
	}
	state := h.state(source.Page)
	if state == nil {
		return nil
	}
	clientID := ""
	if len(args) > 0 {
		clientID, _ = args[0].(string)
	}
	state.sdk.initialize(clientID)
	return nil
}

func (h *Host) onCredential(source *playwright.BindingSource, args ...interface{}) interface{} {
	if source == nil || len(args) == 0 {
		return nil
	}
	state := h.state(source.Page)
	if state == nil {
		return nil
	}
	if resp, ok := decodeCredential(args[0]); ok {
		state.sdk.credential(resp)
	}
	return nil
}

// onSDKReady fires when the page's mutation watch sees the sign-in SDK.
func (h *Host) onSDKReady(source *playwright.BindingSource, _ ...interface{}) interface{} {
	if source == nil {
		return nil
	}
	if state := h.state(source.Page); state != nil {
		go state.capture.SDK.CapabilityAvailable(state.sdk)
	}
	return nil
}

// onAccountClick receives the label of a clicked chooser entry and the
// page's referrer.
func (h *Host) onAccountClick(source *playwright.BindingSource, args ...interface{}) interface{} {
	if source == nil || source.Page == nil || len(args) == 0 {
		return nil
	}
	label, _ := args[0].(string)
	referrer := ""
	if len(args) > 1 {
		referrer, _ = args[1].(string)
	}
	selection, ok := capture.SelectionFromClick(source.Page.URL(), referrer, label)
	if !ok {
		return nil
	}
	go h.sink.OAuthAccountSelected(selection.Email, selection.Domain)
	return nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	for page, state := range h.pages {
		state.capture.Stop()
		delete(h.pages, page)
	}
	h.mu.Unlock()
	var errs []error
	if h.context != nil {
		errs = append(errs, h.context.Close())
	}
	if h.browser != nil {
		errs = append(errs, h.browser.Close())
	}
	if h.pw != nil {
		errs = append(errs, h.pw.Stop())
	}
	return errors.Join(errs...)
}
