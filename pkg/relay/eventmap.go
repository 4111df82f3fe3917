// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	_ "github.com/mattn/go-sqlite3"
)

// eventMapSchema stores every relayed message as an event group: the set of
// per-room event IDs that all represent the same logical message. Lookups are
// direction-independent, so a reply or reaction may reference the original
// event or any relayed copy.
const eventMapSchema = `
CREATE TABLE IF NOT EXISTS event_groups (
    group_id   TEXT PRIMARY KEY,
    created_at REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS event_group_events (
    group_id   TEXT NOT NULL,
    room_id    TEXT NOT NULL,
    event_id   TEXT NOT NULL,
    created_at REAL NOT NULL,
    PRIMARY KEY (group_id, room_id),
    UNIQUE (event_id),
    FOREIGN KEY (group_id) REFERENCES event_groups(group_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_event_group_events_event
    ON event_group_events (event_id);
CREATE INDEX IF NOT EXISTS idx_event_group_events_created
    ON event_group_events (created_at);
`

// EventMap is a WAL-mode SQLite store mapping relayed event IDs across rooms.
type EventMap struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// OpenEventMap opens (creating if necessary) the event map database at path.
// The special path ":memory:" opens a process-private in-memory database.
func OpenEventMap(path string, log zerolog.Logger) (*EventMap, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		uri = "file:eventmap?mode=memory&cache=shared&_foreign_keys=on"
	}
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open event map database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log)

	em := &EventMap{db: db, log: log}
	ctx := context.Background()
	if _, err = db.Exec(ctx, eventMapSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create event map schema: %w", err)
	}
	if err = em.maybeMigrateLegacy(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate legacy event map: %w", err)
	}
	log.Info().Str("path", path).Msg("Event map database opened")
	return em, nil
}

// Close releases the underlying database.
func (em *EventMap) Close() error {
	return em.db.Close()
}

// Store records that sourceEvent in sourceRoom and targetEvent in targetRoom
// are the same logical message. Both events are inserted into one event group;
// if the two IDs already belong to two distinct groups, the groups are merged.
// Re-inserting the same (room, event) pair overwrites silently.
func (em *EventMap) Store(ctx context.Context, sourceEvent id.EventID, sourceRoom id.RoomID, targetEvent id.EventID, targetRoom id.RoomID) error {
	return em.StoreAt(ctx, sourceEvent, sourceRoom, targetEvent, targetRoom, time.Now())
}

// StoreAt is Store with an explicit member creation timestamp.
func (em *EventMap) StoreAt(ctx context.Context, sourceEvent id.EventID, sourceRoom id.RoomID, targetEvent id.EventID, targetRoom id.RoomID, createdAt time.Time) error {
	ts := float64(createdAt.UnixMicro()) / 1e6
	return em.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		groupID, err := em.resolveGroup(ctx, sourceEvent, targetEvent, ts)
		if err != nil {
			return err
		}
		if err = em.upsertMember(ctx, groupID, sourceRoom, sourceEvent, ts); err != nil {
			return err
		}
		return em.upsertMember(ctx, groupID, targetRoom, targetEvent, ts)
	})
}

// Lookup returns the event ID representing eventID in targetRoom, or "" if no
// mapping exists. Direction is not tracked: eventID may have been stored as
// either a source or a target.
func (em *EventMap) Lookup(ctx context.Context, eventID id.EventID, targetRoom id.RoomID) (id.EventID, error) {
	var groupID string
	err := em.db.QueryRow(ctx,
		"SELECT group_id FROM event_group_events WHERE event_id = $1", eventID,
	).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve event group: %w", err)
	}
	var target id.EventID
	err = em.db.QueryRow(ctx,
		"SELECT event_id FROM event_group_events WHERE group_id = $1 AND room_id = $2",
		groupID, targetRoom,
	).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to look up group member: %w", err)
	}
	return target, nil
}

// Cleanup deletes group members older than maxAge (by their own creation
// timestamp), then deletes any group left with no members. It returns the
// number of member rows removed.
func (em *EventMap) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := float64(time.Now().Add(-maxAge).UnixMicro()) / 1e6
	var removed int64
	err := em.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := em.db.Exec(ctx,
			"DELETE FROM event_group_events WHERE created_at < $1", cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = em.db.Exec(ctx,
			"DELETE FROM event_groups WHERE group_id NOT IN (SELECT DISTINCT group_id FROM event_group_events)")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up event map: %w", err)
	}
	if removed > 0 {
		em.log.Info().Int64("removed", removed).Msg("Cleaned up old event mappings")
	}
	return removed, nil
}

// resolveGroup finds the group containing either event, creating a new group
// when neither is known. When the two events span two distinct groups, the
// target event's group is merged into the source event's group, so the source
// side's existing members take precedence on collision.
// Must be called inside a transaction.
func (em *EventMap) resolveGroup(ctx context.Context, sourceEvent, targetEvent id.EventID, createdAt float64) (string, error) {
	sourceGroup, err := em.groupOf(ctx, sourceEvent)
	if err != nil {
		return "", err
	}
	targetGroup, err := em.groupOf(ctx, targetEvent)
	if err != nil {
		return "", err
	}

	switch {
	case sourceGroup == "" && targetGroup == "":
		groupID := uuid.NewString()
		_, err = em.db.Exec(ctx,
			"INSERT INTO event_groups (group_id, created_at) VALUES ($1, $2)",
			groupID, createdAt)
		return groupID, err
	case sourceGroup == "":
		return targetGroup, nil
	case targetGroup == "" || targetGroup == sourceGroup:
		return sourceGroup, nil
	default:
		if err = em.mergeGroups(ctx, sourceGroup, targetGroup); err != nil {
			return "", err
		}
		return sourceGroup, nil
	}
}

// groupOf returns the group containing eventID, or "" when unknown.
func (em *EventMap) groupOf(ctx context.Context, eventID id.EventID) (string, error) {
	var groupID string
	err := em.db.QueryRow(ctx,
		"SELECT group_id FROM event_group_events WHERE event_id = $1", eventID,
	).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return groupID, err
}

// mergeGroups moves the members of oldGroup into targetGroup and deletes the
// emptied group. When a member's room already has an entry in the target
// group, the existing entry wins and the moved duplicate is silently dropped.
// That tie-break matches the historical behavior; it is a documented
// assumption rather than a proven-correct invariant.
func (em *EventMap) mergeGroups(ctx context.Context, targetGroup, oldGroup string) error {
	_, err := em.db.Exec(ctx, `
		UPDATE event_group_events SET group_id = $1
		WHERE group_id = $2
		  AND room_id NOT IN (SELECT room_id FROM event_group_events WHERE group_id = $1)
	`, targetGroup, oldGroup)
	if err != nil {
		return err
	}
	if _, err = em.db.Exec(ctx,
		"DELETE FROM event_group_events WHERE group_id = $1", oldGroup); err != nil {
		return err
	}
	if _, err = em.db.Exec(ctx,
		"DELETE FROM event_groups WHERE group_id = $1", oldGroup); err != nil {
		return err
	}
	em.log.Debug().
		Str("merged_group", oldGroup).
		Str("into_group", targetGroup).
		Msg("Merged event groups")
	return nil
}

// upsertMember inserts or replaces a (room, event) member of a group.
func (em *EventMap) upsertMember(ctx context.Context, groupID string, roomID id.RoomID, eventID id.EventID, createdAt float64) error {
	_, err := em.db.Exec(ctx, `
		INSERT OR REPLACE INTO event_group_events (group_id, room_id, event_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, groupID, roomID, eventID, createdAt)
	return err
}

// maybeMigrateLegacy imports rows from the superseded direct source->target
// event_map table into group form. It runs only when the legacy table exists
// and the group tables are still empty.
func (em *EventMap) maybeMigrateLegacy(ctx context.Context) error {
	var exists bool
	err := em.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'event_map')",
	).Scan(&exists)
	if err != nil || !exists {
		return err
	}
	var count int
	if err = em.db.QueryRow(ctx, "SELECT COUNT(*) FROM event_group_events").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	rows, err := em.db.Query(ctx,
		"SELECT source_event_id, source_room_id, target_event_id, target_room_id, created_at FROM event_map")
	if err != nil {
		return err
	}
	type legacyRow struct {
		sourceEvent, targetEvent id.EventID
		sourceRoom, targetRoom   id.RoomID
		createdAt                float64
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err = rows.Scan(&r.sourceEvent, &r.sourceRoom, &r.targetEvent, &r.targetRoom, &r.createdAt); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}
	for _, r := range legacy {
		ts := time.UnixMicro(int64(r.createdAt * 1e6))
		if err = em.StoreAt(ctx, r.sourceEvent, r.sourceRoom, r.targetEvent, r.targetRoom, ts); err != nil {
			return err
		}
	}
	if len(legacy) > 0 {
		em.log.Info().Int("rows", len(legacy)).Msg("Migrated legacy event mappings")
	}
	return nil
}
