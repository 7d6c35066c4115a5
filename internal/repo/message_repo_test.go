package repo

import (
	"context"
	"testing"
	"time"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

func TestUpsertMessage_ProviderIDDedup(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-m1"), Channel: domain.ChannelVoice,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := normalize.MessageRecord{
		ProviderID: "m-1",
		Role:       domain.RoleUser,
		Content:    "where is my load",
		Timestamp:  ts,
	}

	m1, created, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, rec)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	// Same provider id again: no new row even with a different timestamp.
	rec.Timestamp = ts.Add(5 * time.Second)
	m2, created2, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, rec)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created2 || m2.ID != m1.ID {
		t.Fatalf("provider-id dedup failed: created=%v %d vs %d", created2, m1.ID, m2.ID)
	}

	var count int64
	db.Model(&domain.CommMessage{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 message, got %d", count)
	}
}

func TestUpsertMessage_ContentTupleDedup(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		ConversationID: strp("v-m2"), Channel: domain.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	rec := normalize.MessageRecord{
		Role:      domain.RoleAssistant,
		Content:   "your driver checked in at 10:40",
		Timestamp: ts,
	}

	if _, created, err := UpsertMessage(ctx, db, sess, domain.ChannelWeb, rec); err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	// Identical tuple on a repeated transcript sync: no-op.
	if _, created, err := UpsertMessage(ctx, db, sess, domain.ChannelWeb, rec); err != nil || created {
		t.Fatalf("tuple replay: created=%v err=%v", created, err)
	}
	// Same timestamp/role but different content is a distinct turn.
	rec.Content = "your driver checked in at 10:41"
	if _, created, err := UpsertMessage(ctx, db, sess, domain.ChannelWeb, rec); err != nil || !created {
		t.Fatalf("distinct content: created=%v err=%v", created, err)
	}

	var count int64
	db.Model(&domain.CommMessage{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 messages, got %d", count)
	}
}

func TestUpsertMessage_UpdateOnChangedContent(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-m3"), Channel: domain.ChannelVoice,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := normalize.MessageRecord{
		ProviderID: "m-edit",
		Role:       domain.RoleAgent,
		Content:    "partial transcri",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m1, _, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Provider finalizes the transcript for the same message id.
	rec.Content = "partial transcript, now complete"
	m2, created, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, rec)
	if err != nil || created {
		t.Fatalf("update: created=%v err=%v", created, err)
	}
	if m2.ID != m1.ID || m2.Content != rec.Content {
		t.Fatalf("content not updated in place: %+v", m2)
	}
}

func TestUpsertAttachment_DedupAndFlag(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{}, &domain.CommAttachment{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-att"), Channel: domain.ChannelVoice,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	msg, _, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, normalize.MessageRecord{
		ProviderID: "m-att",
		Role:       domain.RoleUser,
		Content:    "hello",
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if msg.HasAttachments {
		t.Fatalf("message should start without attachments")
	}

	url := "https://cdn.example.com/rec/c-att.wav"
	a1, created, err := UpsertAttachment(ctx, db, msg, url, "")
	if err != nil || !created {
		t.Fatalf("first attachment: created=%v err=%v", created, err)
	}
	if a1.Kind != domain.AttachmentAudio {
		t.Fatalf("empty kind should default to audio: %+v", a1)
	}
	if !msg.HasAttachments {
		t.Fatalf("has_attachments flag not raised")
	}

	// Same URL under the same message: returned, not re-created.
	a2, created2, err := UpsertAttachment(ctx, db, msg, url, domain.AttachmentAudio)
	if err != nil || created2 {
		t.Fatalf("dup attachment: created=%v err=%v", created2, err)
	}
	if a2.ID != a1.ID {
		t.Fatalf("attachment duplicated: %d vs %d", a1.ID, a2.ID)
	}

	var count int64
	db.Model(&domain.CommAttachment{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 attachment, got %d", count)
	}
}

func TestRecountMessages_DerivedNotTrusted(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-count"), Channel: domain.ChannelVoice,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	base := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, normalize.MessageRecord{
			Role:      domain.RoleUser,
			Content:   "turn",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	total, err := RecountMessages(ctx, db, sess.ID)
	if err != nil || total != 3 {
		t.Fatalf("recount: total=%d err=%v", total, err)
	}

	got, err := GetSession(ctx, db, sess.ID, "")
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if got.MessageCount != 3 {
		t.Fatalf("message_count not persisted: %+v", got)
	}
}

func TestListMessagesPage_OrderAndFullSet(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{}, &domain.CommMessage{})
	ctx := context.Background()

	sess, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
		CallID: strp("c-page"), Channel: domain.ChannelVoice,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	// Insert out of order on purpose.
	for _, off := range []int{2, 0, 1, 4, 3} {
		_, _, err := UpsertMessage(ctx, db, sess, domain.ChannelVoice, normalize.MessageRecord{
			Role:      domain.RoleUser,
			Content:   "turn " + string(rune('a'+off)),
			Timestamp: base.Add(time.Duration(off) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed off=%d: %v", off, err)
		}
	}

	// Non-positive limit returns everything, timestamp ascending.
	all, err := ListMessagesPage(ctx, db, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatalf("order broken at %d: %+v", i, all)
		}
	}

	page, err := ListMessagesPage(ctx, db, sess.ID, 1, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("page: n=%d err=%v", len(page), err)
	}
	if page[0].Content != "turn b" || page[1].Content != "turn c" {
		t.Fatalf("unexpected page slice: %q %q", page[0].Content, page[1].Content)
	}

	total, err := CountMessages(ctx, db, sess.ID)
	if err != nil || total != 5 {
		t.Fatalf("count: total=%d err=%v", total, err)
	}
}

func TestSessionsStats_CountAndMaxUpdated(t *testing.T) {
	db := newRepoDB(t, &domain.CommSession{})
	ctx := context.Background()

	// Empty table: zero count, nil stamp.
	n, stamp, err := SessionsStats(ctx, db, SessionFilter{})
	if err != nil || n != 0 || stamp != nil {
		t.Fatalf("empty stats: n=%d stamp=%v err=%v", n, stamp, err)
	}

	for _, id := range []string{"s1", "s2"} {
		if _, _, err := UpsertSession(ctx, db, normalize.SessionUpsert{
			CallID: strp(id), Channel: domain.ChannelVoice, UserID: strp("u1"),
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	n, stamp, err = SessionsStats(ctx, db, SessionFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if n != 2 || stamp == nil || stamp.IsZero() {
		t.Fatalf("unexpected stats: n=%d stamp=%v", n, stamp)
	}

	// Filter that matches nothing.
	n, stamp, err = SessionsStats(ctx, db, SessionFilter{UserID: "nobody"})
	if err != nil || n != 0 || stamp != nil {
		t.Fatalf("filtered stats: n=%d stamp=%v err=%v", n, stamp, err)
	}
}
