// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Intent is the slice of the Matrix client-server API the relay uses to act
// as a single appservice user. Implemented by appservice intents in
// production and by recording fakes in tests.
type Intent interface {
	EnsureRegistered(ctx context.Context) error
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, avatarURL id.ContentURIString) error
	// JoinWithProfile sends a single m.room.member state event that both
	// joins the room and carries the display name and avatar.
	JoinWithProfile(ctx context.Context, roomID id.RoomID, name string, avatarURL id.ContentURIString) error
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
	SendReply(ctx context.Context, roomID id.RoomID, body string, replyTo id.EventID) (id.EventID, error)
	React(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error)
}

// IntentProvider hands out intents for appservice users and serves profile
// lookups through the bot account.
type IntentProvider interface {
	Intent(userID id.UserID) Intent
	BotIntent() Intent
	BotMXID() id.UserID
	// Profile fetches the homeserver-side profile of any user. An empty
	// display name with a nil error means the profile exists but is unset.
	Profile(ctx context.Context, userID id.UserID) (name string, avatarURL id.ContentURIString, err error)
}

// appserviceProvider adapts a mautrix appservice.AppService to IntentProvider.
type appserviceProvider struct {
	as *appservice.AppService
}

// NewIntentProvider wraps a mautrix appservice.
func NewIntentProvider(as *appservice.AppService) IntentProvider {
	return &appserviceProvider{as: as}
}

func (p *appserviceProvider) Intent(userID id.UserID) Intent {
	return &appserviceIntent{intent: p.as.Intent(userID), userID: userID}
}

func (p *appserviceProvider) BotIntent() Intent {
	return &appserviceIntent{intent: p.as.BotIntent(), userID: p.as.BotMXID()}
}

func (p *appserviceProvider) BotMXID() id.UserID {
	return p.as.BotMXID()
}

func (p *appserviceProvider) Profile(ctx context.Context, userID id.UserID) (string, id.ContentURIString, error) {
	profile, err := p.as.BotIntent().GetProfile(ctx, userID)
	if err != nil {
		return "", "", err
	}
	return profile.DisplayName, profile.AvatarURL.CUString(), nil
}

// appserviceIntent adapts appservice.IntentAPI to the Intent interface.
type appserviceIntent struct {
	intent *appservice.IntentAPI
	userID id.UserID
}

func (i *appserviceIntent) EnsureRegistered(ctx context.Context) error {
	return i.intent.EnsureRegistered(ctx)
}

func (i *appserviceIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}

func (i *appserviceIntent) SetAvatarURL(ctx context.Context, avatarURL id.ContentURIString) error {
	return i.intent.SetAvatarURL(ctx, avatarURL.ParseOrIgnore())
}

func (i *appserviceIntent) JoinWithProfile(ctx context.Context, roomID id.RoomID, name string, avatarURL id.ContentURIString) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, event.StateMember, string(i.userID), &event.MemberEventContent{
		Membership:  event.MembershipJoin,
		Displayname: name,
		AvatarURL:   avatarURL,
	})
	return err
}

func (i *appserviceIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *appserviceIntent) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *appserviceIntent) SendReply(ctx context.Context, roomID id.RoomID, body string, replyTo id.EventID) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: replyTo},
		},
	}
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *appserviceIntent) React(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}
