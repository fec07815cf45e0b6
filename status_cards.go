package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	cardColorOnline  = 0x2ecc71
	cardColorOffline = 0xe74c3c

	// Discord rejects embed field values over 1024 characters.
	cardFieldMaxChars = 1024
)

var (
	// errCardNotFound is returned by EditCard when the bound message was
	// deleted or the id is unknown to the channel.
	errCardNotFound = errors.New("card message not found")
	// errDisplayUnauthorized means the bot token or channel permissions were
	// rejected; retrying will not help.
	errDisplayUnauthorized = errors.New("display channel unauthorized")
)

// cardContent is the rendered state of one server's status card. Two equal
// values display identically.
type cardContent struct {
	Title       string
	Description string
	Color       int
	Players     string
	Footer      string
}

type displayClient interface {
	SendCard(ctx context.Context, channelID string, card cardContent) (string, error)
	EditCard(ctx context.Context, channelID, messageID string, card cardContent) error
}

// presenceSnapshot is what a monitor hands to the syncer after a change.
type presenceSnapshot struct {
	Server string
	Actors []string
	// OnlineSince is when the set last went from empty to non-empty.
	OnlineSince time.Time
}

func (p presenceSnapshot) Count() int {
	return len(p.Actors)
}

// renderCard only depends on p, so an unchanged presence renders an equal
// card.
func renderCard(p presenceSnapshot) cardContent {
	count := p.Count()
	card := cardContent{
		Title:       p.Server + " - Offline",
		Description: fmt.Sprintf("**Players Online:** %d", count),
		Color:       cardColorOffline,
	}
	if count == 0 {
		return card
	}
	card.Title = p.Server + " - Online"
	card.Color = cardColorOnline
	card.Players = joinActorsLimited(p.Actors, cardFieldMaxChars)
	if !p.OnlineSince.IsZero() {
		card.Footer = "Players online since " + p.OnlineSince.UTC().Format("2006-01-02 15:04 MST")
	}
	return card
}

// joinActorsLimited joins names with ", " and replaces the tail with a
// "…(+N more)" marker when the result would exceed maxChars.
func joinActorsLimited(names []string, maxChars int) string {
	joined := strings.Join(names, ", ")
	if len(joined) <= maxChars {
		return joined
	}
	var b strings.Builder
	for i, name := range names {
		more := fmt.Sprintf("…(+%d more)", len(names)-i)
		sep := ""
		if i > 0 {
			sep = ", "
		}
		if b.Len()+len(sep)+len(name)+len(", ")+len(more) > maxChars {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(more)
			break
		}
		b.WriteString(sep)
		b.WriteString(name)
	}
	return b.String()
}

// cardSyncer pushes rendered cards to the display channel. It is shared by
// all server monitors; per-server calls arrive sequentially from that
// server's monitor, while the binding store serializes binding writes.
type cardSyncer struct {
	client    displayClient
	bindings  *cardBindingStore
	channelID string

	mu     sync.Mutex
	synced map[string]cardContent
}

func newCardSyncer(client displayClient, bindings *cardBindingStore, channelID string) *cardSyncer {
	return &cardSyncer{
		client:    client,
		bindings:  bindings,
		channelID: channelID,
		synced:    make(map[string]cardContent),
	}
}

// Sync makes the server's card show p. Calling it again with the same
// presence is a no-op once the previous call succeeded.
func (s *cardSyncer) Sync(ctx context.Context, p presenceSnapshot) error {
	card := renderCard(p)
	messageID, bound := s.bindings.Get(p.Server)

	s.mu.Lock()
	last, seen := s.synced[p.Server]
	s.mu.Unlock()
	if bound && seen && last == card {
		logger.Debug("card unchanged, skipping sync", "server", p.Server)
		return nil
	}

	if bound {
		err := s.client.EditCard(ctx, s.channelID, messageID, card)
		switch {
		case err == nil:
			logger.Info("card updated", "server", p.Server, "message_id", messageID, "players", p.Count())
			s.remember(p.Server, card)
			return nil
		case errors.Is(err, errCardNotFound):
			logger.Warn("card not found, creating a new one", "server", p.Server, "message_id", messageID)
		default:
			return fmt.Errorf("edit card %s: %w", p.Server, err)
		}
	}

	newID, err := s.client.SendCard(ctx, s.channelID, card)
	if err != nil {
		return fmt.Errorf("send card %s: %w", p.Server, err)
	}
	logger.Info("card created", "server", p.Server, "message_id", newID, "players", p.Count())
	if err := s.bindings.Set(p.Server, newID); err != nil {
		// The in-memory binding still points at the new card; the file
		// catches up on the next successful binding write.
		logger.Warn("persist card binding failed", "server", p.Server, "message_id", newID, "error", err)
	}
	s.remember(p.Server, card)
	return nil
}

func (s *cardSyncer) remember(server string, card cardContent) {
	s.mu.Lock()
	s.synced[server] = card
	s.mu.Unlock()
}
