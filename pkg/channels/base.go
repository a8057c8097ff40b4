package channels

import (
	"context"
	"strings"

	"personet/pkg/profile"
)

// Observer receives interaction windows from running channels. The
// profile service implements it.
type Observer interface {
	HandleInteraction(input profile.AnalysisInput)
}

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	observer  Observer
	running   bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, observer Observer, allowList []string) *BaseChannel {
	return &BaseChannel{
		observer:  observer,
		name:      name,
		allowList: allowList,
		running:   false,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

func (c *BaseChannel) observe(input profile.AnalysisInput) {
	if c.observer == nil {
		return
	}
	c.observer.HandleInteraction(input)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
