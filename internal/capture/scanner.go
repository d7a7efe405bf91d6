package capture

import (
	"log/slog"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

type PageOptions struct {
	Extractor      *signal.Extractor
	Emitter        Emitter
	LocalStorage   KeyValueStorage
	SessionStorage KeyValueStorage
	SDKHost        SDKHost
	Logger         *slog.Logger
}

// Page is every tap for one page load, sharing a single dedup session.
type Page struct {
	Reporter *Reporter
	Network  *NetworkTap
	Message  *MessageTap
	Storage  *StorageScanner
	SDK      *SDKPatcher

	sdkHost   SDKHost
	scheduler *Scheduler
}

func NewPage(opts PageOptions) *Page {
	extractor := opts.Extractor
	if extractor == nil {
		extractor = signal.NewExtractor(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reporter := NewReporter(NewSession(), opts.Emitter, logger)
	return &Page{
		Reporter:  reporter,
		Network:   NewNetworkTap(extractor, reporter, logger),
		Message:   NewMessageTap(extractor, reporter, logger),
		Storage:   NewStorageScanner(extractor, reporter, opts.LocalStorage, opts.SessionStorage, logger),
		SDK:       NewSDKPatcher(extractor, reporter, logger),
		sdkHost:   opts.SDKHost,
		scheduler: NewScheduler(logger),
	}
}

// Start schedules the storage passes and the SDK patch attempts.
func (p *Page) Start() {
	p.scheduler.Schedule(p.Storage.Tasks()...)
	if p.sdkHost != nil {
		p.scheduler.Schedule(p.SDK.Tasks(p.sdkHost)...)
	}
}

// Stop cancels pending scans; it is called on navigation or unload.
func (p *Page) Stop() {
	p.scheduler.Stop()
}
