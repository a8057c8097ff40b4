package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"personet/pkg/config"
	"personet/pkg/logger"
	"personet/pkg/profile"
)

const defaultHistoryLimit = 20

// DiscordChannel observes guild conversations and feeds interaction
// windows to the profile engine. It never sends messages.
type DiscordChannel struct {
	*BaseChannel
	session      *discordgo.Session
	config       config.DiscordConfig
	botAccountID string
	historyLimit int

	windows  map[string]*window
	windowMu sync.Mutex
}

// window is the rolling per-channel view handed to analysis.
type window struct {
	lines     []string
	names     map[string]string
	lastReply string
}

func NewDiscordChannel(cfg config.DiscordConfig, botAccountID string, historyLimit int, observer Observer) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	return &DiscordChannel{
		BaseChannel:  NewBaseChannel("discord", observer, cfg.AllowFrom),
		session:      session,
		config:       cfg,
		botAccountID: botAccountID,
		historyLimit: historyLimit,
		windows:      make(map[string]*window),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord observer")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord observer connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord observer")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

// PersonNames resolves display names for export, preferring names seen
// in the rolling windows and falling back to the Discord API.
func (c *DiscordChannel) PersonNames(ctx context.Context, platform string, platformUserIDs []string) (map[string]string, error) {
	if platform != "discord" {
		return nil, nil
	}

	names := map[string]string{}
	c.windowMu.Lock()
	for _, w := range c.windows {
		for uid, name := range w.names {
			if names[uid] == "" {
				names[uid] = name
			}
		}
	}
	c.windowMu.Unlock()

	for _, uid := range platformUserIDs {
		if names[uid] != "" {
			continue
		}
		user, err := c.session.User(uid)
		if err != nil {
			logger.DebugCF("discord", "Failed to resolve user name", map[string]any{
				"user_id": uid, "error": err.Error(),
			})
			continue
		}
		names[uid] = user.Username
	}
	return names, nil
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	// DMs carry no group scope; only guild conversations are observed.
	if m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	senderID := m.Author.ID
	senderName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		senderName = m.Member.Nick
	}

	isSelf := senderID == s.State.User.ID || (c.botAccountID != "" && senderID == c.botAccountID)
	if isSelf {
		c.recordBotReply(m.ChannelID, content)
		return
	}

	if !c.IsAllowed(senderID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": senderID,
		})
		return
	}

	history, names, lastReply := c.recordMessage(m.ChannelID, senderID, senderName, content, s.State.User.ID)

	c.observe(profile.AnalysisInput{
		Platform:       "discord",
		GroupID:        m.ChannelID,
		PlatformUserID: senderID,
		History:        history,
		BotReply:       lastReply,
		UserNames:      names,
	})
}

// recordMessage appends one line to the channel window and returns a
// snapshot for analysis. The bot's own entry carries the "(你)" marker
// so mapping analysis can exclude it.
func (c *DiscordChannel) recordMessage(channelID, senderID, senderName, content, botID string) (string, map[string]string, string) {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	w, ok := c.windows[channelID]
	if !ok {
		w = &window{names: map[string]string{}}
		c.windows[channelID] = w
	}

	w.names[senderID] = senderName
	w.lines = append(w.lines, fmt.Sprintf("%s(%s): %s", senderName, senderID, content))
	if len(w.lines) > c.historyLimit {
		w.lines = w.lines[len(w.lines)-c.historyLimit:]
	}

	names := make(map[string]string, len(w.names)+1)
	for uid, name := range w.names {
		names[uid] = name
	}
	if botID != "" && names[botID] != "" {
		names[botID] += "(你)"
	}

	return strings.Join(w.lines, "\n"), names, w.lastReply
}

func (c *DiscordChannel) recordBotReply(channelID, content string) {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	w, ok := c.windows[channelID]
	if !ok {
		w = &window{names: map[string]string{}}
		c.windows[channelID] = w
	}
	w.lastReply = content
}
