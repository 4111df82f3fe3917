// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
)

// Cleanup cadence and retention for the correlation store.
const (
	cleanupInterval = 6 * time.Hour
	cleanupMaxAge   = 30 * 24 * time.Hour
)

// Service owns the full relay process: the appservice transport, the event
// processor, the correlation store, and the relay engine.
type Service struct {
	cfg      *Config
	log      zerolog.Logger
	as       *appservice.AppService
	ep       *appservice.EventProcessor
	eventMap *EventMap
	handler  *RelayHandler
}

// NewService assembles the relay from its configuration. The correlation
// store is opened eagerly; failure to open it is fatal.
func NewService(cfg *Config, log zerolog.Logger) (*Service, error) {
	reg, err := BuildRegistration(cfg)
	if err != nil {
		return nil, err
	}

	as := appservice.Create()
	as.Registration = reg
	as.HomeserverDomain = cfg.Domain
	if err = as.SetHomeserverURL(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("invalid homeserver URL: %w", err)
	}
	host, port := cfg.ListenHostPort()
	as.Host = appservice.HostConfig{Hostname: host, Port: port}
	as.Log = log.With().Str("component", "appservice").Logger()

	eventMap, err := OpenEventMap(cfg.DBPath, log.With().Str("component", "event_map").Logger())
	if err != nil {
		return nil, err
	}

	provider := NewIntentProvider(as)
	puppets := NewPuppetManager(provider, cfg.Domain, cfg.PuppetPrefix, log)
	handler := NewRelayHandler(provider, puppets, eventMap, cfg, log)

	ep := appservice.NewEventProcessor(as)
	ep.On(event.EventMessage, handler.HandleMessage)
	ep.On(event.EventReaction, handler.HandleReaction)

	return &Service{
		cfg:      cfg,
		log:      log,
		as:       as,
		ep:       ep,
		eventMap: eventMap,
		handler:  handler,
	}, nil
}

// Run starts the appservice HTTP listener and event processing, joins the
// bot to every configured room, and blocks until ctx is cancelled. Shutdown
// stops accepting events, cancels the cleanup task, and closes the store.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Str("listen", s.cfg.ListenAddress).
		Int("portal_rooms", len(s.cfg.PortalRooms)).
		Str("hub_room", string(s.cfg.HubRoomID)).
		Msg("Starting relay appservice")

	go s.ep.Start(ctx)
	go s.as.Start()

	s.joinConfiguredRooms(ctx)

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	go s.cleanupLoop(cleanupCtx)

	<-ctx.Done()
	s.log.Info().Msg("Shutting down")

	cancelCleanup()
	s.as.Stop()
	s.ep.Stop()
	s.handler.Stop()
	if err := s.eventMap.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close event map")
	}
	return nil
}

// joinConfiguredRooms makes sure the bot is in every portal and the hub.
// Per-room failures are logged and do not block the remaining rooms.
func (s *Service) joinConfiguredRooms(ctx context.Context) {
	bot := s.as.BotIntent()
	rooms := make([]PortalRoom, 0, len(s.cfg.PortalRooms)+1)
	rooms = append(rooms, s.cfg.PortalRooms...)
	rooms = append(rooms, PortalRoom{RoomID: s.cfg.HubRoomID, Label: "hub"})
	for _, room := range rooms {
		joinCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := bot.EnsureJoined(joinCtx, room.RoomID)
		cancel()
		if err != nil {
			s.log.Error().Err(err).
				Str("room_id", string(room.RoomID)).
				Str("label", room.Label).
				Msg("Failed to join room")
			continue
		}
		s.log.Info().
			Str("room_id", string(room.RoomID)).
			Str("label", room.Label).
			Msg("Bot joined room")
	}
}

// cleanupLoop prunes old event mappings on a fixed cadence. Failures are
// logged and never terminate the loop.
func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.eventMap.Cleanup(ctx, cleanupMaxAge); err != nil {
				s.log.Error().Err(err).Msg("Event map cleanup failed")
			}
		}
	}
}
