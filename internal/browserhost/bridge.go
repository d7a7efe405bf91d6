package browserhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/SwayamMehta10/AuthRecall/internal/capture"
	"github.com/SwayamMehta10/AuthRecall/internal/controller"
)

// Sink receives what the taps observe in a page.
type Sink interface {
	EmailDetected(email, source, pageURL string)
	OAuthAccountSelected(email, domain string)
}

// ControllerSink forwards observations to a controller.
type ControllerSink struct {
	Controller *controller.Controller
	Logger     *slog.Logger
}

func (s ControllerSink) EmailDetected(email, source, pageURL string) {
	if _, _, err := s.Controller.HandleEmailDetected(context.Background(), email, source, pageURL); err != nil {
		s.logger().Warn("save detected email failed", "source", source, "error", err)
	}
}

func (s ControllerSink) OAuthAccountSelected(email, domain string) {
	if _, _, err := s.Controller.HandleOAuthAccountSelected(context.Background(), email, domain); err != nil {
		s.logger().Warn("save oauth selection failed", "domain", domain, "error", err)
	}
}

func (s ControllerSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// evaluator runs script in a page. playwright.Page satisfies it.
type evaluator interface {
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// pageStorage reads window.localStorage or window.sessionStorage.
type pageStorage struct {
	page evaluator
	area string
}

func (s pageStorage) Keys() ([]string, error) {
	result, err := s.page.Evaluate(`(area) => Object.keys(window[area] || {})`, s.area)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", s.area, err)
	}
	items, _ := result.([]interface{})
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if key, ok := item.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s pageStorage) Get(key string) (string, bool, error) {
	result, err := s.page.Evaluate(`([area, key]) => window[area] ? window[area].getItem(key) : null`, []interface{}{s.area, key})
	if err != nil {
		return "", false, fmt.Errorf("read %s key: %w", s.area, err)
	}
	value, ok := result.(string)
	return value, ok, nil
}

// pageSDK exposes the page's sign-in SDK to the patcher. The script side
// only wraps the SDK after SetSignInSDK asks it to; from then on each
// initialize call and each credential are routed through the Go SDK value
// so the patch observes credentials before the page callback runs.
type pageSDK struct {
	page evaluator

	mu      sync.Mutex
	current capture.SignInSDK
	native  *nativeSDK
}

func newPageSDK(page evaluator) *pageSDK {
	native := &nativeSDK{}
	return &pageSDK{page: page, current: native, native: native}
}

func (h *pageSDK) SignInSDK() (capture.SignInSDK, bool) {
	result, err := h.page.Evaluate(sdkPresentScript)
	if err != nil {
		return nil, false
	}
	present, _ := result.(bool)
	if !present {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, true
}

func (h *pageSDK) SetSignInSDK(sdk capture.SignInSDK) {
	h.mu.Lock()
	h.current = sdk
	h.mu.Unlock()
	if _, err := h.page.Evaluate(sdkPatchScript); err != nil {
		// The next patch attempt finds the wrapper missing and retries.
		h.mu.Lock()
		h.current = h.native
		h.mu.Unlock()
	}
}

// initialize is called from the page each time it initializes the SDK.
func (h *pageSDK) initialize(clientID string) {
	h.mu.Lock()
	sdk := h.current
	h.mu.Unlock()
	sdk.Initialize(capture.SignInConfig{
		ClientID: clientID,
		// The page's own callback runs in the page after this returns.
		Callback: func(capture.CredentialResponse) {},
	})
}

// credential is called from the page before the page's callback.
func (h *pageSDK) credential(resp capture.CredentialResponse) {
	h.native.deliver(resp)
}

// nativeSDK stands in for the in-page SDK on the Go side.
type nativeSDK struct {
	mu       sync.Mutex
	callback func(capture.CredentialResponse)
}

func (n *nativeSDK) Initialize(config capture.SignInConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callback = config.Callback
}

func (n *nativeSDK) deliver(resp capture.CredentialResponse) {
	n.mu.Lock()
	callback := n.callback
	n.mu.Unlock()
	if callback != nil {
		callback(resp)
	}
}

// decodeCredential accepts the binding argument as a decoded object.
func decodeCredential(arg interface{}) (capture.CredentialResponse, bool) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return capture.CredentialResponse{}, false
	}
	var resp capture.CredentialResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return capture.CredentialResponse{}, false
	}
	return resp, strings.TrimSpace(resp.Credential) != ""
}

const sdkPresentScript = `() => !!(window.google && window.google.accounts && window.google.accounts.id && typeof window.google.accounts.id.initialize === "function")`

const sdkPatchScript = `() => {
  const id = window.google && window.google.accounts && window.google.accounts.id;
  if (!id || id.__authrecallPatched) {
    return !!id;
  }
  const original = id.initialize.bind(id);
  id.initialize = function (config) {
    config = Object.assign({}, config || {});
    try { window.__authrecallInitialize(String(config.client_id || "")); } catch (e) {}
    const callback = config.callback;
    if (typeof callback === "function") {
      config.callback = function (response) {
        try { window.__authrecallCredential(response); } catch (e) {}
        return callback.apply(this, arguments);
      };
    }
    return original(config);
  };
  id.__authrecallPatched = true;
  return true;
}`

// messageScript forwards every window message and every click on an
// account chooser entry to the host, and reports the sign-in SDK once a DOM
// mutation reveals it.
const messageScript = `window.addEventListener("message", function (event) {
  try { window.__authrecallMessage(event.data); } catch (e) {}
}, true);
document.addEventListener("click", function (event) {
  const el = event.target && event.target.closest && event.target.closest("[data-email], [data-identifier], .fCBwrf, .W7Aapd");
  if (!el) {
    return;
  }
  const label = el.getAttribute("data-email") || el.getAttribute("data-identifier") || el.textContent || "";
  try { window.__authrecallAccount(label.trim(), document.referrer || ""); } catch (e) {}
}, true);
(function () {
  const ready = () => !!(window.google && window.google.accounts && window.google.accounts.id);
  const start = () => {
    const observer = new MutationObserver(() => {
      if (ready()) {
        observer.disconnect();
        try { window.__authrecallSDKReady(); } catch (e) {}
      }
    });
    observer.observe(document.documentElement, { childList: true, subtree: true });
  };
  if (document.documentElement) {
    start();
  } else {
    document.addEventListener("DOMContentLoaded", start, { once: true });
  }
})();`
