package dingtalk

import "sync"

// Settings are the DingTalk application values that may change at runtime.
type Settings struct {
	AppKey     string `json:"app_key"`
	AppSecret  string `json:"-"`
	WebhookURL string `json:"webhook_url"`
}

// Credentials holds the current Settings. It is shared between the verifier,
// the mention checker, the sender and the configure endpoint.
type Credentials struct {
	mu       sync.RWMutex
	settings Settings
}

// NewCredentials creates a holder with initial settings.
func NewCredentials(s Settings) *Credentials {
	return &Credentials{settings: s}
}

// Get returns a copy of the current settings.
func (c *Credentials) Get() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Set replaces all settings at once.
func (c *Credentials) Set(s Settings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}
