// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"maunium.net/go/mautrix/id"
)

// PortalRoom binds one external-facing room to its platform label.
type PortalRoom struct {
	RoomID id.RoomID
	Label  string
}

// PortalRoomList is an ordered set of portal rooms, parsed from the
// "!room1:domain=WhatsApp,!room2:domain=Signal" environment format.
type PortalRoomList []PortalRoom

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (l *PortalRoomList) UnmarshalText(text []byte) error {
	var rooms PortalRoomList
	seen := make(map[id.RoomID]bool)
	for _, entry := range strings.Split(string(text), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		roomID, label, _ := strings.Cut(entry, "=")
		roomID = strings.TrimSpace(roomID)
		label = strings.TrimSpace(label)
		if label == "" {
			return fmt.Errorf("portal room entry %q is missing a label (expected '!room:domain=Label')", entry)
		}
		if seen[id.RoomID(roomID)] {
			return fmt.Errorf("portal room %q is configured twice", roomID)
		}
		seen[id.RoomID(roomID)] = true
		rooms = append(rooms, PortalRoom{RoomID: id.RoomID(roomID), Label: label})
	}
	if len(rooms) == 0 {
		return fmt.Errorf("at least one portal room is required")
	}
	*l = rooms
	return nil
}

// Config holds the relay appservice configuration, read from RELAY_*
// environment variables.
type Config struct {
	HomeserverURL string         `env:"RELAY_HOMESERVER_URL,required,notEmpty"`
	Domain        string         `env:"RELAY_DOMAIN,required,notEmpty"`
	ASToken       string         `env:"RELAY_AS_TOKEN,required,notEmpty"`
	HSToken       string         `env:"RELAY_HS_TOKEN,required,notEmpty"`
	PortalRooms   PortalRoomList `env:"RELAY_PORTAL_ROOMS,required,notEmpty"`
	HubRoomID     id.RoomID      `env:"RELAY_HUB_ROOM_ID,required,notEmpty"`
	PuppetPrefix  string         `env:"RELAY_PUPPET_PREFIX" envDefault:"_relay_"`
	BotLocalpart  string         `env:"RELAY_BOT_LOCALPART" envDefault:"relay-bot"`
	DBPath        string         `env:"RELAY_DB_PATH" envDefault:"/data/relay.db"`
	ListenAddress string         `env:"RELAY_LISTEN_ADDRESS" envDefault:"0.0.0.0:8009"`
	SendTimeout   time.Duration  `env:"RELAY_SEND_TIMEOUT" envDefault:"30s"`
}

// LoadConfig parses and validates configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that tag-level parsing can't.
func (c *Config) Validate() error {
	for _, portal := range c.PortalRooms {
		if portal.RoomID == c.HubRoomID {
			return fmt.Errorf("RELAY_HUB_ROOM_ID %s is also configured as a portal room", c.HubRoomID)
		}
	}
	if c.PuppetPrefix == "" {
		return fmt.Errorf("RELAY_PUPPET_PREFIX must not be empty")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("RELAY_SEND_TIMEOUT must be positive")
	}
	host, port, ok := splitHostPort(c.ListenAddress)
	if !ok || host == "" || port == 0 {
		return fmt.Errorf("RELAY_LISTEN_ADDRESS %q is not a valid host:port", c.ListenAddress)
	}
	return nil
}

// ListenHostPort returns the validated listen address split into its parts.
func (c *Config) ListenHostPort() (string, uint16) {
	host, port, _ := splitHostPort(c.ListenAddress)
	return host, port
}

func splitHostPort(addr string) (string, uint16, bool) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return "", 0, false
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, uint16(port), true
}
