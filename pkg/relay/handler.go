// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// profileCacheTTL bounds how long a sender's resolved profile is reused
// before the homeserver is asked again.
const profileCacheTTL = 5 * time.Minute

// senderProfile is a resolved (display name, avatar) pair.
type senderProfile struct {
	Name   string
	Avatar id.ContentURIString
}

// RelayHandler routes messages and reactions between portal rooms and the
// hub room, sending through puppet intents so relayed messages appear as
// their original sender.
type RelayHandler struct {
	provider    IntentProvider
	puppets     *PuppetManager
	eventMap    *EventMap
	classifier  Classifier
	portalOrder []id.RoomID
	portals     map[id.RoomID]string // room -> platform label
	hubRoom     id.RoomID
	sendTimeout time.Duration
	profiles    *ttlcache.Cache[id.UserID, senderProfile]
	log         zerolog.Logger
}

// NewRelayHandler wires a relay engine. eventMap may be nil, in which case
// replies degrade to plain messages and reactions are not relayed.
func NewRelayHandler(provider IntentProvider, puppets *PuppetManager, eventMap *EventMap, cfg *Config, log zerolog.Logger) *RelayHandler {
	portals := make(map[id.RoomID]string, len(cfg.PortalRooms))
	order := make([]id.RoomID, 0, len(cfg.PortalRooms))
	for _, portal := range cfg.PortalRooms {
		portals[portal.RoomID] = portal.Label
		order = append(order, portal.RoomID)
	}
	cache := ttlcache.New[id.UserID, senderProfile](
		ttlcache.WithTTL[id.UserID, senderProfile](profileCacheTTL),
	)
	go cache.Start()
	return &RelayHandler{
		provider: provider,
		puppets:  puppets,
		eventMap: eventMap,
		classifier: Classifier{
			BotMXID:      provider.BotMXID(),
			PuppetPrefix: cfg.PuppetPrefix,
		},
		portalOrder: order,
		portals:     portals,
		hubRoom:     cfg.HubRoomID,
		sendTimeout: cfg.SendTimeout,
		profiles:    cache,
		log:         log.With().Str("component", "relay_handler").Logger(),
	}
}

// Stop releases handler resources.
func (h *RelayHandler) Stop() {
	h.profiles.Stop()
}

// HandleMessage routes a text message event. Events in unrelated rooms and
// events matching the loop-prevention filters are dropped silently; a single
// target's send failure never blocks delivery to the remaining targets, and
// no error is ever returned to the transport.
func (h *RelayHandler) HandleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}
	body := content.Body

	sourceLabel, targets, ok := h.route(evt.RoomID, evt.Sender, body)
	if !ok {
		return
	}
	platform := strings.ToLower(sourceLabel)
	if evt.RoomID == h.hubRoom {
		platform = strings.ToLower(h.classifier.PlatformLabel(evt.Sender))
	}

	profile := h.senderProfile(ctx, evt.Sender)
	replyTo := replyTarget(content)

	h.log.Info().
		Str("room_id", string(evt.RoomID)).
		Str("sender", string(evt.Sender)).
		Str("platform", platform).
		Int("targets", len(targets)).
		Msg("Relaying message")

	var eg errgroup.Group
	for _, target := range targets {
		eg.Go(func() error {
			h.relayMessageTo(ctx, evt, profile, platform, body, replyTo, target)
			return nil
		})
	}
	_ = eg.Wait()
}

// relayMessageTo delivers one message to one target room. Failures are
// logged and swallowed: the message is preferred delivered-but-uncorrelated
// over not delivered at all.
func (h *RelayHandler) relayMessageTo(ctx context.Context, evt *event.Event, profile senderProfile, platform, body string, replyTo id.EventID, target id.RoomID) {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	policy := SyncPassive
	if target == h.hubRoom {
		policy = SyncResync
	}
	intent, err := h.puppets.Acquire(ctx, AcquireParams{
		Platform:    platform,
		Sender:      evt.Sender,
		DisplayName: profile.Name,
		AvatarURL:   profile.Avatar,
		RoomID:      target,
		Policy:      policy,
	})
	if err != nil {
		h.log.Error().Err(err).
			Str("target_room", string(target)).
			Str("sender", string(evt.Sender)).
			Msg("Failed to acquire puppet")
		return
	}

	// Thread the reply if the replied-to message has a copy in the target.
	var mappedReplyTo id.EventID
	if replyTo != "" && h.eventMap != nil {
		mappedReplyTo, err = h.eventMap.Lookup(ctx, replyTo, target)
		if err != nil {
			h.log.Warn().Err(err).
				Str("reply_to", string(replyTo)).
				Str("target_room", string(target)).
				Msg("Reply lookup failed, sending as plain message")
			mappedReplyTo = ""
		}
	}

	var sentID id.EventID
	if mappedReplyTo != "" {
		sentID, err = intent.SendReply(ctx, target, body, mappedReplyTo)
	} else {
		sentID, err = intent.SendText(ctx, target, body)
	}
	if err != nil {
		h.log.Error().Err(err).
			Str("target_room", string(target)).
			Msg("Failed to relay message")
		return
	}
	h.log.Debug().
		Str("target_room", string(target)).
		Str("event_id", string(sentID)).
		Msg("Relayed message")

	if h.eventMap != nil {
		if err = h.eventMap.Store(ctx, evt.ID, evt.RoomID, sentID, target); err != nil {
			h.log.Error().Err(err).
				Str("event_id", string(evt.ID)).
				Str("target_room", string(target)).
				Msg("Failed to store event mapping")
		}
	}
}

// HandleReaction relays a reaction to every room holding a copy of the
// reacted-to message. Targets without a mapping are skipped silently: the
// original may not have reached every room.
func (h *RelayHandler) HandleReaction(ctx context.Context, evt *event.Event) {
	if h.eventMap == nil {
		return
	}
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.EventID == "" {
		return
	}

	sourceLabel, targets, ok := h.route(evt.RoomID, evt.Sender, "")
	if !ok {
		return
	}
	platform := strings.ToLower(sourceLabel)
	if evt.RoomID == h.hubRoom {
		platform = strings.ToLower(h.classifier.PlatformLabel(evt.Sender))
	}

	reactedTo := content.RelatesTo.EventID
	key := content.RelatesTo.Key
	profile := h.senderProfile(ctx, evt.Sender)

	var eg errgroup.Group
	for _, target := range targets {
		eg.Go(func() error {
			h.relayReactionTo(ctx, evt, profile, platform, reactedTo, key, target)
			return nil
		})
	}
	_ = eg.Wait()
}

// relayReactionTo delivers one reaction to one target room.
func (h *RelayHandler) relayReactionTo(ctx context.Context, evt *event.Event, profile senderProfile, platform string, reactedTo id.EventID, key string, target id.RoomID) {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	mapped, err := h.eventMap.Lookup(ctx, reactedTo, target)
	if err != nil {
		h.log.Warn().Err(err).
			Str("target_room", string(target)).
			Msg("Reaction lookup failed, skipping target")
		return
	}
	if mapped == "" {
		h.log.Debug().
			Str("reacted_to", string(reactedTo)).
			Str("target_room", string(target)).
			Msg("No mapping for reacted-to event, skipping target")
		return
	}

	policy := SyncPassive
	if target == h.hubRoom {
		policy = SyncResync
	}
	intent, err := h.puppets.Acquire(ctx, AcquireParams{
		Platform:    platform,
		Sender:      evt.Sender,
		DisplayName: profile.Name,
		AvatarURL:   profile.Avatar,
		RoomID:      target,
		Policy:      policy,
	})
	if err != nil {
		h.log.Error().Err(err).
			Str("target_room", string(target)).
			Msg("Failed to acquire puppet for reaction")
		return
	}
	if _, err = intent.React(ctx, target, mapped, key); err != nil {
		h.log.Error().Err(err).
			Str("target_room", string(target)).
			Str("key", key).
			Msg("Failed to relay reaction")
		return
	}
	h.log.Info().
		Str("target_room", string(target)).
		Str("mapped_event", string(mapped)).
		Str("key", key).
		Msg("Relayed reaction")
}

// route classifies the source room and applies loop prevention. It returns
// the source platform label (the portal's configured label, or the hub's
// native label to be refined by sender inference), the fan-out target set,
// and whether the event should be relayed at all.
func (h *RelayHandler) route(roomID id.RoomID, sender id.UserID, body string) (string, []id.RoomID, bool) {
	if label, isPortal := h.portals[roomID]; isPortal {
		if h.classifier.ShouldIgnoreInPortal(sender, body) {
			h.logIgnored(roomID, sender, "portal")
			return "", nil, false
		}
		// Portal -> hub plus every other portal, never the source itself.
		targets := make([]id.RoomID, 0, len(h.portalOrder))
		targets = append(targets, h.hubRoom)
		for _, portal := range h.portalOrder {
			if portal != roomID {
				targets = append(targets, portal)
			}
		}
		return label, targets, true
	}
	if roomID == h.hubRoom {
		if h.classifier.ShouldIgnoreInHub(sender, body) {
			h.logIgnored(roomID, sender, "hub")
			return "", nil, false
		}
		// Hub -> every portal.
		targets := make([]id.RoomID, len(h.portalOrder))
		copy(targets, h.portalOrder)
		return NativePlatformLabel, targets, true
	}
	// Unrelated room.
	return "", nil, false
}

func (h *RelayHandler) logIgnored(roomID id.RoomID, sender id.UserID, kind string) {
	h.log.Debug().
		Str("room_id", string(roomID)).
		Str("sender", string(sender)).
		Str("room_kind", kind).
		Msg("Ignoring event (loop prevention)")
}

// senderProfile resolves the sender's display name and avatar through the
// bot intent, caching the result. Lookup failure falls back to the bare
// localpart with no avatar; the relay proceeds either way.
func (h *RelayHandler) senderProfile(ctx context.Context, sender id.UserID) senderProfile {
	if item := h.profiles.Get(sender); item != nil {
		return item.Value()
	}
	name, avatar, err := h.provider.Profile(ctx, sender)
	if err != nil || name == "" {
		if err != nil {
			h.log.Debug().Err(err).
				Str("sender", string(sender)).
				Msg("Profile lookup failed, using localpart")
		}
		return senderProfile{Name: localpart(sender)}
	}
	profile := senderProfile{Name: name, Avatar: avatar}
	h.profiles.Set(sender, profile, ttlcache.DefaultTTL)
	return profile
}

// replyTarget extracts the replied-to event ID, if any. Absence is normal.
func replyTarget(content *event.MessageEventContent) id.EventID {
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		return ""
	}
	return content.RelatesTo.InReplyTo.EventID
}
