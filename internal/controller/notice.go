package controller

import "sync"

const (
	NoticeSettingsUpdated = "settings_updated"
	NoticeSyncCompleted   = "sync_completed"
	NoticeStoreReloaded   = "store_reloaded"
)

// Notice is broadcast to subscribers on every account change, settings
// update, sync completion and external store rewrite. Account changes use
// the accounts.ChangeKind string as Type.
type Notice struct {
	Type   string         `json:"type"`
	Domain string         `json:"domain,omitempty"`
	Email  string         `json:"email,omitempty"`
	Result *CommandResult `json:"result,omitempty"`
}

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notice
}

func newHub() *hub {
	return &hub{subs: map[int]chan Notice{}}
}

// Subscribe returns a channel of notices and a cancel func that closes it.
// Slow subscribers miss notices rather than block publishers.
func (c *Controller) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)
	c.hub.mu.Lock()
	id := c.hub.nextID
	c.hub.nextID++
	c.hub.subs[id] = ch
	c.hub.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.hub.mu.Lock()
			delete(c.hub.subs, id)
			c.hub.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) publish(notice Notice) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, ch := range c.hub.subs {
		select {
		case ch <- notice:
		default:
		}
	}
}
