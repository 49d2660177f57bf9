package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Notifier sends best-effort Discord DMs. Built without a bot token it is
// disabled and every send is a no-op; delivery failures are logged, never
// returned, so notification problems cannot fail a committed operation.
type Notifier struct {
	session *discordgo.Session
	log     *slog.Logger
}

func NewNotifier(botToken string, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(botToken) == "" {
		return &Notifier{log: logger}, nil
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(botToken))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Notifier{session: session, log: logger}, nil
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.session != nil
}

func (n *Notifier) TradeProposed(ctx context.Context, counterpartyID, proposerName string, offered, requested int) {
	n.dm(ctx, counterpartyID, fmt.Sprintf(
		"%s proposed a trade: %d of their cards for %d of yours. Open the app to respond.",
		proposerName, offered, requested))
}

func (n *Notifier) TradeAccepted(ctx context.Context, proposerID, counterpartyName string) {
	n.dm(ctx, proposerID, fmt.Sprintf("%s accepted your trade. The cards have been swapped.", counterpartyName))
}

func (n *Notifier) GiftReceived(ctx context.Context, recipientID, giftName string, packs int64) {
	n.dm(ctx, recipientID, fmt.Sprintf("You received a gift: %s (+%d packs). Claim it in the app.", giftName, packs))
}

func (n *Notifier) dm(ctx context.Context, userID, content string) {
	if !n.Enabled() {
		return
	}
	channel, err := n.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		n.log.Warn("notify: open dm failed", "user_id", userID, "error", err)
		return
	}
	if _, err := n.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		n.log.Warn("notify: send dm failed", "user_id", userID, "error", err)
	}
}
