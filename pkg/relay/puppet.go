// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// SyncPolicy controls whether Acquire may re-send a profile-bearing member
// state event when the puppet's profile has changed since it joined a room.
type SyncPolicy int

const (
	// SyncPassive never re-sends member state after the first join. Use for
	// bridge-managed portal rooms: re-issued member events have been observed
	// to corrupt bridge-internal room state.
	SyncPassive SyncPolicy = iota
	// SyncResync re-sends the member state event on profile changes. Use
	// only for the hub room, which the relay itself owns.
	SyncResync
)

// memberProfile is the (display name, avatar) pair last written into a room
// member state event for one puppet.
type memberProfile struct {
	name   string
	avatar id.ContentURIString
}

// puppetState is the cached provisioning state of a single puppet user.
type puppetState struct {
	// mu serializes all profile- and membership-affecting operations for
	// this puppet, so concurrent fan-out targets never interleave state
	// event writes for the same (puppet, room) pair.
	mu      sync.Mutex
	intent  Intent
	name    string
	avatar  id.ContentURIString
	inRooms map[id.RoomID]memberProfile
}

// PuppetManager maps (platform, original sender) pairs to deterministic
// synthetic Matrix users and keeps their presentation in sync with what
// downstream bridges expect.
//
// Bridges read display names and avatars from the m.room.member state event,
// not the global profile, so room entry is a single member event carrying
// both membership and profile. A bare join followed by a separate profile
// update is a two-event sequence that has crashed bridge-managed portals.
type PuppetManager struct {
	provider IntentProvider
	domain   string
	prefix   string
	log      zerolog.Logger

	mu      sync.Mutex
	puppets map[id.UserID]*puppetState
}

// NewPuppetManager creates a puppet manager. prefix is the localpart prefix
// for puppet MXIDs (for example "_relay_") and domain the homeserver domain.
func NewPuppetManager(provider IntentProvider, domain, prefix string, log zerolog.Logger) *PuppetManager {
	return &PuppetManager{
		provider: provider,
		domain:   domain,
		prefix:   prefix,
		log:      log.With().Str("component", "puppet_manager").Logger(),
		puppets:  make(map[id.UserID]*puppetState),
	}
}

// MXIDFor returns the deterministic puppet MXID for sender on platform:
// @{prefix}{platform}_{hash8}:{domain}, where hash8 is the first 8 hex
// characters of SHA-256("{platform}:{sender}"). The derivation depends only
// on its inputs, so it is stable across restarts.
func (pm *PuppetManager) MXIDFor(platform, sender string) id.UserID {
	platform = strings.ToLower(platform)
	sum := sha256.Sum256([]byte(platform + ":" + sender))
	hash8 := hex.EncodeToString(sum[:])[:8]
	return id.UserID(fmt.Sprintf("@%s%s_%s:%s", pm.prefix, platform, hash8, pm.domain))
}

// AcquireParams describes the puppet to acquire and the room to prepare it in.
type AcquireParams struct {
	// Platform is the lowercase platform label (e.g. "whatsapp").
	Platform string
	// Sender is the original sender's identifier.
	Sender id.UserID
	// DisplayName and AvatarURL are the sender's current profile.
	DisplayName string
	AvatarURL   id.ContentURIString
	// RoomID is the room the puppet must be present in.
	RoomID id.RoomID
	// Policy selects the room entry strategy; see SyncPolicy.
	Policy SyncPolicy
}

// Acquire returns a ready-to-send intent for the puppet representing
// (params.Platform, params.Sender), provisioning the account on first use,
// refreshing its account-level profile when it changed, and ensuring room
// membership per the sync policy.
func (pm *PuppetManager) Acquire(ctx context.Context, params AcquireParams) (Intent, error) {
	mxid := pm.MXIDFor(params.Platform, string(params.Sender))

	pm.mu.Lock()
	state, known := pm.puppets[mxid]
	if !known {
		state = &puppetState{inRooms: make(map[id.RoomID]memberProfile)}
		pm.puppets[mxid] = state
	}
	pm.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.intent == nil {
		intent := pm.provider.Intent(mxid)
		if err := intent.EnsureRegistered(ctx); err != nil {
			return nil, fmt.Errorf("failed to register puppet %s: %w", mxid, err)
		}
		if err := intent.SetDisplayName(ctx, params.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to set puppet display name: %w", err)
		}
		if params.AvatarURL != "" {
			if err := intent.SetAvatarURL(ctx, params.AvatarURL); err != nil {
				return nil, fmt.Errorf("failed to set puppet avatar: %w", err)
			}
		}
		state.intent = intent
		state.name = params.DisplayName
		state.avatar = params.AvatarURL
		pm.log.Info().
			Str("puppet_mxid", string(mxid)).
			Str("platform", params.Platform).
			Str("display_name", params.DisplayName).
			Msg("Provisioned new puppet")
	} else {
		// Account-level profile refresh, independent of room membership.
		if state.name != params.DisplayName {
			if err := state.intent.SetDisplayName(ctx, params.DisplayName); err != nil {
				return nil, fmt.Errorf("failed to update puppet display name: %w", err)
			}
			state.name = params.DisplayName
		}
		if state.avatar != params.AvatarURL {
			if err := state.intent.SetAvatarURL(ctx, params.AvatarURL); err != nil {
				return nil, fmt.Errorf("failed to update puppet avatar: %w", err)
			}
			state.avatar = params.AvatarURL
		}
	}

	current := memberProfile{name: params.DisplayName, avatar: params.AvatarURL}
	cached, joined := state.inRooms[params.RoomID]
	switch {
	case !joined:
		// First entry: one member event carrying join + profile.
		if err := state.intent.JoinWithProfile(ctx, params.RoomID, current.name, current.avatar); err != nil {
			return nil, fmt.Errorf("failed to join %s: %w", params.RoomID, err)
		}
		state.inRooms[params.RoomID] = current
	case cached != current && params.Policy == SyncResync:
		// Profile changed in a room the relay controls.
		if err := state.intent.JoinWithProfile(ctx, params.RoomID, current.name, current.avatar); err != nil {
			return nil, fmt.Errorf("failed to resync member state in %s: %w", params.RoomID, err)
		}
		state.inRooms[params.RoomID] = current
	default:
		// Already joined with the current profile, or a passive portal with
		// a stale one. Membership check only, as a safety net against kicks.
		if err := state.intent.EnsureJoined(ctx, params.RoomID); err != nil {
			return nil, fmt.Errorf("failed to ensure puppet in %s: %w", params.RoomID, err)
		}
	}

	return state.intent, nil
}
