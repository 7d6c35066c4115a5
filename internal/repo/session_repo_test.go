package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

// test DB helper shared by the repo test files
func newRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func strp(s string) *string   { return &s }
func intp(i int) *int         { return &i }
func f64p(f float64) *float64 { return &f }
func timep(t time.Time) *time.Time {
	return &t
}

func TestUpsertSession_NoIdentifierRejected(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})

	_, _, err := UpsertSession(context.Background(), db, normalize.SessionUpsert{
		Channel: domain.ChannelVoice,
	})
	if err != ErrNoIdentifier {
		t.Fatalf("expected ErrNoIdentifier, got %v", err)
	}
}

func TestUpsertSession_CreateThenIdempotentUpdate(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	up := normalize.SessionUpsert{
		CallID:     strp("call-1"),
		Channel:    domain.ChannelVoice,
		Status:     strp(domain.StatusOngoing),
		StartedAt:  timep(started),
		FromNumber: strp("+15550001111"),
		Intent:     strp("eta_update"),
	}

	s, created, err := UpsertSession(ctx, db, up)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created || s.ID == 0 {
		t.Fatalf("expected fresh row, got created=%v id=%d", created, s.ID)
	}
	if s.Provider != "retell" || s.Channel != domain.ChannelVoice || s.Direction != domain.DirectionInbound {
		t.Fatalf("unexpected defaults: %+v", s)
	}

	// Same call id again with an advanced status: one row, fields updated.
	up2 := normalize.SessionUpsert{
		CallID:      strp("call-1"),
		Channel:     domain.ChannelVoice,
		Status:      strp(domain.StatusCompleted),
		EndedAt:     timep(started.Add(90 * time.Second)),
		DurationSec: intp(90),
		CostUSD:     f64p(0.18),
	}
	s2, created2, err := UpsertSession(ctx, db, up2)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created2 {
		t.Fatalf("expected update, got create")
	}
	if s2.ID != s.ID {
		t.Fatalf("row split: %d vs %d", s.ID, s2.ID)
	}
	if s2.Status != domain.StatusCompleted || s2.DurationSec != 90 || s2.CostUSD != 0.18 {
		t.Fatalf("fields not updated: %+v", s2)
	}
	// Absent fields must survive the partial update.
	if s2.Intent != "eta_update" || s2.FromNumber != "+15550001111" {
		t.Fatalf("partial payload blanked existing data: %+v", s2)
	}
	if s2.StartedAt == nil || !s2.StartedAt.Equal(started) {
		t.Fatalf("started_at lost: %+v", s2.StartedAt)
	}

	var count int64
	db.Model(&domain.CommSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestUpsertSession_IdentityPrecedence(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	// First sighting carries both a call id and a conversation id.
	if _, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID:         strp("call-7"),
		ConversationID: strp("conv-7"),
		Channel:        domain.ChannelVoice,
	}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}

	// A later sighting of only the conversation id must hit the same row.
	s, created, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		ConversationID: strp("conv-7"),
		Channel:        domain.ChannelVoice,
		Status:         strp(domain.StatusCompleted),
	})
	if err != nil {
		t.Fatalf("conversation-id upsert: %v", err)
	}
	if created {
		t.Fatalf("expected match on conversation_id, got a new row")
	}
	if s.CallID == nil || *s.CallID != "call-7" {
		t.Fatalf("call id lost on update: %+v", s)
	}
}

func TestUpsertSession_ReferenceGainsCanonicalID(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	ref := "ref_0011223344556677889900aa"
	if _, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		Reference: strp(ref),
		Channel:   domain.ChannelWeb,
	}); err != nil {
		t.Fatalf("reference-only upsert: %v", err)
	}

	// Provider later supplies the canonical id alongside the same reference.
	s, created, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		ConversationID: strp("conv-ref"),
		Reference:      strp(ref),
		Channel:        domain.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("canonical upsert: %v", err)
	}
	if created {
		t.Fatalf("expected the reference row to absorb the canonical id")
	}
	if s.ConversationID == nil || *s.ConversationID != "conv-ref" {
		t.Fatalf("canonical id not stamped: %+v", s)
	}

	var count int64
	db.Model(&domain.CommSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestUpsertSession_RaceLoserFallsThroughToUpdate(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	// The winner inserted directly; a duplicate create must surface as a
	// recognizable unique violation for the upsert's fall-through path.
	callID := "call-race"
	if err := db.Create(&domain.CommSession{
		CallID:  &callID,
		Channel: domain.ChannelVoice,
	}).Error; err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	dup := domain.CommSession{CallID: &callID, Channel: domain.ChannelVoice}
	cerr := db.Create(&dup).Error
	if cerr == nil {
		t.Fatalf("expected unique violation on duplicate call_id")
	}
	if !isUniqueViolation(cerr) {
		t.Fatalf("violation not recognized: %v", cerr)
	}

	// The upsert resolves to the winner instead of erroring.
	s, created, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: &callID, Channel: domain.ChannelVoice,
		Status: strp(domain.StatusCompleted),
	})
	if err != nil {
		t.Fatalf("upsert after race: %v", err)
	}
	if created || s.Status != domain.StatusCompleted {
		t.Fatalf("unexpected result: created=%v %+v", created, s)
	}
}

func TestListSessionsPage_FilterAndOrder(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	seed := []normalize.SessionUpsert{
		{CallID: strp("c-a"), Channel: domain.ChannelVoice, Status: strp(domain.StatusCompleted), UserID: strp("u1"), Intent: strp("detention billing")},
		{CallID: strp("c-b"), Channel: domain.ChannelVoice, Status: strp(domain.StatusMissed), UserID: strp("u2")},
		{ConversationID: strp("v-c"), Channel: domain.ChannelWeb, Status: strp(domain.StatusCompleted), UserID: strp("u1")},
	}
	for i, up := range seed {
		if _, _, err := UpsertSession(ctx, db, up); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	total, err := CountSessions(ctx, db, SessionFilter{Status: domain.StatusCompleted})
	if err != nil || total != 2 {
		t.Fatalf("count by status: total=%d err=%v", total, err)
	}

	got, err := ListSessionsPage(ctx, db, SessionFilter{UserID: "u1"}, 0, 10)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows for u1, got %d", len(got))
	}
	// Most recently updated first.
	if got[0].UpdatedAt.Before(got[1].UpdatedAt) {
		t.Fatalf("order not updated_at desc: %v vs %v", got[0].UpdatedAt, got[1].UpdatedAt)
	}

	// Free-text query is case-insensitive across intent.
	byQuery, err := ListSessionsPage(ctx, db, SessionFilter{Query: "DETENTION"}, 0, 10)
	if err != nil || len(byQuery) != 1 {
		t.Fatalf("query filter: n=%d err=%v", len(byQuery), err)
	}
	if byQuery[0].CallID == nil || *byQuery[0].CallID != "c-a" {
		t.Fatalf("wrong row matched: %+v", byQuery[0])
	}

	// Pagination window.
	page, err := ListSessionsPage(ctx, db, SessionFilter{}, 1, 1)
	if err != nil || len(page) != 1 {
		t.Fatalf("page window: n=%d err=%v", len(page), err)
	}
}

func TestGetSession_OwnershipScope(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	s, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-own"), Channel: domain.ChannelVoice, UserID: strp("owner"),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := GetSession(ctx, db, s.ID, ""); err != nil {
		t.Fatalf("unscoped get: %v", err)
	}
	if _, err := GetSession(ctx, db, s.ID, "owner"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := GetSession(ctx, db, s.ID, "intruder"); err == nil {
		t.Fatalf("expected not found for foreign user")
	}
	if _, err := GetSession(ctx, db, 9999, ""); err == nil {
		t.Fatalf("expected not found for unknown id")
	}
}

func TestListSessionKeys_ReturnsIdentity(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	if _, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-key"), Channel: domain.ChannelVoice,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		ConversationID: strp("v-key"), Channel: domain.ChannelWeb,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	keys, err := ListSessionKeys(ctx, db)
	if err != nil {
		t.Fatalf("ListSessionKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.ID == 0 || k.ProviderKey() == "" {
			t.Fatalf("key row incomplete: %+v", k)
		}
	}
}
