// Package services – SyncService
//
// This file implements the sync orchestrator: a full reconciliation pass
// that fetches calls and chats from the provider (with fallback probing
// across candidate endpoints and conversation flows), upserts unified
// sessions, pulls per-item detail, extracts and persists messages and
// attachments, and recomputes session aggregates.
//
// Per-item failures are caught, recorded in the summary's error list, and
// processing continues with the next item; a single malformed record never
// aborts a pass. The only failure that refuses to start is a missing API
// key, which is a configuration error rather than a provider-side one.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// pass mode and item counts.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
	"github.com/truckdesk/go-comms-backend/internal/repo"
	"github.com/truckdesk/go-comms-backend/internal/retell"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Summary reports what one reconciliation pass did. It is returned to the
// sync trigger endpoint and persisted as a SyncLog row.
type Summary struct {
	Mode               string           `json:"mode"`
	SessionsCreated    int              `json:"sessions_created"`
	SessionsUpdated    int              `json:"sessions_updated"`
	MessagesCreated    int              `json:"messages_created"`
	MessagesUpdated    int              `json:"messages_updated"`
	AttachmentsCreated int              `json:"attachments_created"`
	Skipped            int              `json:"skipped"`
	Errors             []string         `json:"errors,omitempty"`
	Endpoints          []retell.Attempt `json:"endpoints,omitempty"`
}

// fetchedItem pairs a provider record with the shape it arrived under.
type fetchedItem struct {
	kind normalize.Kind
	rec  normalize.Record
}

// SyncService coordinates reconciliation passes between the provider API
// and the local session store.
type SyncService struct {
	DB     *gorm.DB
	Client *retell.Client
	Log    zerolog.Logger
}

// NewSyncService constructs a SyncService.
func NewSyncService(db *gorm.DB, client *retell.Client, log zerolog.Logger) *SyncService {
	return &SyncService{DB: db, Client: client, Log: log.With().Str("component", "sync").Logger()}
}

// Run executes a full reconciliation pass: multi-endpoint fetch with flow
// fallback, session upsert, per-item detail extraction, and aggregate
// recompute. It never returns an error; everything that went wrong is in
// the summary.
func (s *SyncService) Run(ctx context.Context) Summary {
	return s.run(ctx, "full")
}

// RunLite performs only the fetch+upsert step against the primary
// endpoints, without the verbose multi-endpoint and flow probing. Intended
// for frequent background reconciliation after a webhook event.
func (s *SyncService) RunLite(ctx context.Context) Summary {
	return s.run(ctx, "lite")
}

func (s *SyncService) run(ctx context.Context, mode string) Summary {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(attribute.String("sync.mode", mode)),
	)
	defer span.End()

	startedAt := time.Now().UTC()
	sum := Summary{Mode: mode}

	items, diag, err := s.fetch(ctx, mode == "full")
	if mode == "full" {
		sum.Endpoints = diag.Attempts
	}
	if err != nil {
		// Missing API key: refuse to start, report once, no retries here.
		sum.Errors = append(sum.Errors, err.Error())
		s.finish(ctx, &sum, startedAt)
		return sum
	}

	touched := make([]*domain.CommSession, 0, len(items))
	for _, item := range items {
		up := normalize.Normalize(item.kind, item.rec)
		sess, created, uerr := repo.UpsertSession(ctx, s.DB, up)
		if uerr != nil {
			if uerr == repo.ErrNoIdentifier {
				sum.Skipped++
			} else {
				sum.Errors = append(sum.Errors, fmt.Sprintf("upsert %s: %v", item.kind, uerr))
			}
			continue
		}
		if created {
			sum.SessionsCreated++
		} else {
			sum.SessionsUpdated++
		}
		touched = append(touched, sess)
	}

	if mode == "full" && len(touched) == 0 {
		// List endpoints yielded nothing; refresh sessions we already know
		// about (webhook-created rows may still be missing transcripts).
		if keys, kerr := repo.ListSessionKeys(ctx, s.DB); kerr == nil {
			for i := range keys {
				touched = append(touched, &keys[i])
			}
		}
	}

	if mode == "full" {
		for _, sess := range touched {
			if derr := s.syncDetail(ctx, sess, &sum); derr != nil {
				sum.Errors = append(sum.Errors, fmt.Sprintf("detail %s: %v", sess.ProviderKey(), derr))
			}
		}
	}

	span.SetAttributes(
		attribute.Int("sync.sessions_created", sum.SessionsCreated),
		attribute.Int("sync.sessions_updated", sum.SessionsUpdated),
		attribute.Int("sync.errors", len(sum.Errors)),
	)
	s.finish(ctx, &sum, startedAt)
	return sum
}

// fetch pulls calls plus chats/conversations. In verbose mode it walks the
// full candidate endpoint list and falls back to flow-scoped probing when
// nothing turned up; in lite mode it touches only the primary endpoints.
func (s *SyncService) fetch(ctx context.Context, verbose bool) ([]fetchedItem, retell.Diagnostics, error) {
	var (
		items []fetchedItem
		diag  retell.Diagnostics
	)

	collect := func(kind normalize.Kind, resource retell.ResourceKind) error {
		urls := s.Client.ListURLs(resource)
		if !verbose && len(urls) > 1 {
			urls = urls[:1]
		}
		for _, u := range urls {
			recs, d, err := s.Client.FetchAll(ctx, u, nil)
			diag.Merge(d)
			if err != nil {
				return err
			}
			if len(recs) > 0 {
				for _, r := range recs {
					items = append(items, fetchedItem{kind: kind, rec: r})
				}
				return nil
			}
		}
		return nil
	}

	if err := collect(normalize.KindCall, retell.ResourceCalls); err != nil {
		return nil, diag, err
	}
	before := len(items)
	if err := collect(normalize.KindChat, retell.ResourceChats); err != nil {
		return nil, diag, err
	}
	if len(items) == before {
		if err := collect(normalize.KindConversation, retell.ResourceConversations); err != nil {
			return nil, diag, err
		}
	}

	if len(items) == 0 && verbose {
		flowItems, err := s.flowFallback(ctx, &diag)
		if err != nil {
			return nil, diag, err
		}
		items = append(items, flowItems...)
	}
	return items, diag, nil
}

// flowFallback lists conversation flows and probes flow-filtered and
// flow-scoped path-style listings for each of the first MaxFlows flows,
// merging whatever is found.
func (s *SyncService) flowFallback(ctx context.Context, diag *retell.Diagnostics) ([]fetchedItem, error) {
	var flows []normalize.Record
	for _, u := range s.Client.ListURLs(retell.ResourceFlows) {
		recs, d, err := s.Client.FetchAll(ctx, u, nil)
		diag.Merge(d)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			flows = recs
			break
		}
	}
	if len(flows) == 0 {
		return nil, nil
	}
	if max := s.Client.MaxFlows(); len(flows) > max {
		flows = flows[:max]
	}

	var items []fetchedItem
	for _, flow := range flows {
		flowID, ok := flowIdentifier(flow)
		if !ok {
			continue
		}
		convURLs := s.Client.ListURLs(retell.ResourceConversations)

		// Flow-filtered listing against the regular conversation endpoints.
		found := false
		for _, u := range convURLs {
			recs, d, err := s.Client.FetchAll(ctx, u, map[string]any{"conversation_flow_id": flowID})
			diag.Merge(d)
			if err != nil {
				return nil, err
			}
			if len(recs) > 0 {
				for _, r := range recs {
					items = append(items, fetchedItem{kind: normalize.KindConversation, rec: withFlowID(r, flowID)})
				}
				found = true
				break
			}
		}
		if found {
			continue
		}

		// Path-style flow-scoped endpoints.
		for _, u := range s.Client.ListURLs(retell.ResourceFlows) {
			recs, d, err := s.Client.FetchAll(ctx, u+"/"+flowID+"/conversations", nil)
			diag.Merge(d)
			if err != nil {
				return nil, err
			}
			if len(recs) > 0 {
				for _, r := range recs {
					items = append(items, fetchedItem{kind: normalize.KindConversation, rec: withFlowID(r, flowID)})
				}
				break
			}
		}
	}
	return items, nil
}

// syncDetail fetches a session's detail record, extracts and upserts its
// messages and attachments, then recomputes aggregates.
func (s *SyncService) syncDetail(ctx context.Context, sess *domain.CommSession, sum *Summary) error {
	kind, resource, id, ok := detailTarget(sess)
	if !ok {
		return nil
	}

	rec, found, _, err := s.Client.GetDetail(ctx, resource, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	// Fold detail-level fields (status, transcript excerpt, usage, cost)
	// back into the session.
	up := normalize.Normalize(kind, rec)
	sess, _, uerr := repo.UpsertSession(ctx, s.DB, up)
	if uerr != nil {
		return uerr
	}

	start := time.Now().UTC()
	if sess.StartedAt != nil {
		start = *sess.StartedAt
	}
	for _, m := range normalize.ExtractMessages(rec, start) {
		msg, created, merr := repo.UpsertMessage(ctx, s.DB, sess, sess.Channel, m)
		if merr != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("message %s: %v", sess.ProviderKey(), merr))
			continue
		}
		if created {
			sum.MessagesCreated++
			s.rememberTurn(ctx, sess, m)
		} else {
			sum.MessagesUpdated++
		}
		if m.AudioURL != "" {
			if _, attCreated, aerr := repo.UpsertAttachment(ctx, s.DB, msg, m.AudioURL, domain.AttachmentAudio); aerr == nil && attCreated {
				sum.AttachmentsCreated++
			}
		}
	}

	return s.recomputeAggregates(ctx, sess)
}

// recomputeAggregates refreshes message_count, voice minutes, and the
// word-count token fallback after a detail sync.
func (s *SyncService) recomputeAggregates(ctx context.Context, sess *domain.CommSession) error {
	if _, err := repo.RecountMessages(ctx, s.DB, sess.ID); err != nil {
		return err
	}

	updates := map[string]any{}
	if sess.Channel == domain.ChannelVoice && sess.DurationSec > 0 {
		updates["voice_minutes"] = float64(sess.DurationSec) / 60.0
	}
	if sess.PromptTokens == 0 && sess.CompletionTokens == 0 {
		prompt, completion, err := s.estimateTokens(ctx, sess.ID)
		if err == nil && (prompt > 0 || completion > 0) {
			updates["prompt_tokens"] = prompt
			updates["completion_tokens"] = completion
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).
		Model(&domain.CommSession{}).
		Where("id = ?", sess.ID).
		Updates(updates).Error
}

// estimateTokens derives approximate token counts from persisted message
// contents when the provider omitted usage figures. Telemetry only.
func (s *SyncService) estimateTokens(ctx context.Context, sessionID uint) (prompt, completion int, err error) {
	msgs, err := repo.ListMessagesPage(ctx, s.DB, sessionID, 0, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, m := range msgs {
		n := normalize.EstimateTokens(m.Content)
		if m.Role == domain.RoleUser || m.Role == domain.RoleAgent {
			prompt += n
		} else {
			completion += n
		}
	}
	return prompt, completion, nil
}

// rememberTurn appends a message to the owning user's conversation memory.
// Best-effort: a failure here must never fail the enclosing upsert.
func (s *SyncService) rememberTurn(ctx context.Context, sess *domain.CommSession, m normalize.MessageRecord) {
	if sess.UserID == nil || *sess.UserID == "" || m.Content == "" {
		return
	}
	if err := repo.AppendMemory(ctx, s.DB, *sess.UserID, m.Role, m.Content); err != nil {
		s.Log.Warn().Err(err).Str("user_id", *sess.UserID).Msg("memory append failed")
	}
}

// finish records the pass in the SyncLog history. Best-effort.
func (s *SyncService) finish(ctx context.Context, sum *Summary, startedAt time.Time) {
	payload, err := json.Marshal(sum)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := repo.CreateSyncLog(ctx, s.DB, sum.Mode, startedAt, time.Now().UTC(), payload, len(sum.Errors)); err != nil {
		s.Log.Warn().Err(err).Msg("sync log write failed")
	}
}

// detailTarget picks the detail resource and id for a session, preferring
// call identity, then chat/conversation identity. Sessions known only by a
// computed reference have no detail endpoint.
func detailTarget(sess *domain.CommSession) (normalize.Kind, retell.ResourceKind, string, bool) {
	switch {
	case sess.CallID != nil && *sess.CallID != "":
		return normalize.KindCall, retell.ResourceCalls, *sess.CallID, true
	case sess.ConversationID != nil && *sess.ConversationID != "":
		if sess.Channel == domain.ChannelVoice {
			return normalize.KindConversation, retell.ResourceConversations, *sess.ConversationID, true
		}
		return normalize.KindChat, retell.ResourceChats, *sess.ConversationID, true
	}
	return "", "", "", false
}

func flowIdentifier(flow normalize.Record) (string, bool) {
	for _, k := range []string{"conversation_flow_id", "flow_id", "id"} {
		if s, ok := flow[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// withFlowID stamps the flow id onto a record that may lack it, so the
// normalizer can use it as an identity key.
func withFlowID(rec normalize.Record, flowID string) normalize.Record {
	if _, ok := rec["conversation_flow_id"]; ok {
		return rec
	}
	out := make(normalize.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["conversation_flow_id"] = flowID
	return out
}
