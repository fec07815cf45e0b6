package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordDisplay posts status cards as embeds through a bot session.
type discordDisplay struct {
	dg *discordgo.Session
}

func openDiscordDisplay(ctx context.Context, token, channelID string) (*discordDisplay, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("discord bot token not configured")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if r != nil && r.User != nil {
			logger.Info("discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
		}
	})

	if err := dg.Open(); err != nil {
		return nil, classifyDiscordError(fmt.Errorf("open discord session: %w", err))
	}

	ch, err := dg.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		_ = dg.Close()
		return nil, classifyDiscordError(fmt.Errorf("fetch channel %s: %w", channelID, err))
	}
	logger.Info("discord channel resolved", "channel_id", ch.ID, "name", ch.Name)
	return &discordDisplay{dg: dg}, nil
}

func (d *discordDisplay) Close() {
	if d == nil || d.dg == nil {
		return
	}
	_ = d.dg.Close()
}

func (d *discordDisplay) SendCard(ctx context.Context, channelID string, card cardContent) (string, error) {
	msg, err := d.dg.ChannelMessageSendEmbed(channelID, cardEmbed(card), discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyDiscordError(err)
	}
	return msg.ID, nil
}

func (d *discordDisplay) EditCard(ctx context.Context, channelID, messageID string, card cardContent) error {
	_, err := d.dg.ChannelMessageEditEmbed(channelID, messageID, cardEmbed(card), discordgo.WithContext(ctx))
	return classifyDiscordError(err)
}

// cardEmbed depends only on card so an unchanged card re-renders identically.
func cardEmbed(card cardContent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       card.Title,
		Description: card.Description,
		Color:       card.Color,
	}
	if card.Players != "" {
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Players", Value: card.Players, Inline: false},
		}
	}
	if card.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: card.Footer}
	}
	return embed
}

// classifyDiscordError maps REST failures onto errCardNotFound and
// errDisplayUnauthorized; everything else is returned unchanged and treated
// as transient by callers.
func classifyDiscordError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %v", errCardNotFound, err)
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %v", errDisplayUnauthorized, err)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", errCardNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", errDisplayUnauthorized, err)
		}
	}
	return err
}
