package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

// SDKRetryDelay is when the patcher tries again for SDKs that load after the
// first attempt.
const SDKRetryDelay = 2 * time.Second

// CredentialResponse is what the sign-in SDK hands to the page's callback.
type CredentialResponse struct {
	Credential string `json:"credential"`
	SelectBy   string `json:"select_by,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

type SignInConfig struct {
	ClientID string
	Callback func(CredentialResponse)
	Options  map[string]any
}

// SignInSDK is the initialization entry point of a third-party sign-in
// library.
type SignInSDK interface {
	Initialize(config SignInConfig)
}

// SDKHost is where a page exposes its sign-in SDK once loaded.
type SDKHost interface {
	SignInSDK() (SignInSDK, bool)
	SetSignInSDK(SignInSDK)
}

// SDKPatcher decorates the SDK's success callback so the credential is read
// before the page's own callback sees it.
type SDKPatcher struct {
	extractor *signal.Extractor
	reporter  *Reporter
	logger    *slog.Logger

	mu sync.Mutex
}

func NewSDKPatcher(extractor *signal.Extractor, reporter *Reporter, logger *slog.Logger) *SDKPatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SDKPatcher{extractor: extractor, reporter: reporter, logger: logger}
}

// Patch installs the wrapper on host if the SDK is present. It reports
// whether the host's SDK is patched after the call; patching twice is a
// no-op.
func (p *SDKPatcher) Patch(host SDKHost) bool {
	if host == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sdk, ok := host.SignInSDK()
	if !ok || sdk == nil {
		return false
	}
	if _, already := sdk.(*patchedSDK); already {
		return true
	}
	host.SetSignInSDK(&patchedSDK{inner: sdk, patcher: p})
	p.logger.Debug("sign-in sdk patched")
	return true
}

// CapabilityAvailable is the hook for "SDK object appeared" notifications,
// e.g. from a DOM mutation watch.
func (p *SDKPatcher) CapabilityAvailable(host SDKHost) {
	p.Patch(host)
}

// Tasks returns the immediate attempt and the delayed retry.
func (p *SDKPatcher) Tasks(host SDKHost) []Task {
	return []Task{
		{Name: "sdk-patch", Delay: 0, Action: func() { p.Patch(host) }},
		{Name: "sdk-patch-retry", Delay: SDKRetryDelay, Action: func() { p.Patch(host) }},
	}
}

func (p *SDKPatcher) observe(resp CredentialResponse) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("capture tap panicked", "tap", "sdk", "panic", r)
		}
	}()
	if resp.Credential == "" {
		return
	}
	email, ok := p.extractor.EmailFromToken(resp.Credential)
	if !ok {
		return
	}
	p.reporter.Report(email, SourceGoogleSignIn)
}

type patchedSDK struct {
	inner   SignInSDK
	patcher *SDKPatcher
}

func (s *patchedSDK) Initialize(config SignInConfig) {
	original := config.Callback
	if original != nil {
		config.Callback = func(resp CredentialResponse) {
			s.patcher.observe(resp)
			original(resp)
		}
	}
	s.inner.Initialize(config)
}
