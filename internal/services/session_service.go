// Package services – SessionService
//
// Read-side service over the unified session store, plus the web-call
// bootstrap that seeds a new provider call with the caller's recent
// conversation memory.
package services

import (
	"context"

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

// SessionPage is one page of sessions plus pagination metadata.
type SessionPage struct {
	Items  []domain.CommSession `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// SessionDetail is a session with one page of its messages.
type SessionDetail struct {
	Session       domain.CommSession   `json:"session"`
	Messages      []domain.CommMessage `json:"messages"`
	MessagesTotal int64                `json:"messages_total"`
}

// WebCall is the provider's answer to a create-web-call request, reduced to
// the fields a browser client needs.
type WebCall struct {
	CallID      string `json:"call_id"`
	AccessToken string `json:"access_token,omitempty"`
	AgentID     string `json:"agent_id"`
}

// SessionService serves session listings, detail views, and conversation
// memory, and brokers web-call creation.
type SessionService struct {
	DB     *gorm.DB
	Client *retell.Client
	Cfg    SessionConfig
	Log    zerolog.Logger
}

// SessionConfig carries the non-provider knobs the session service needs.
type SessionConfig struct {
	AgentID string
}

// NewSessionService constructs a SessionService.
func NewSessionService(db *gorm.DB, client *retell.Client, cfg SessionConfig, log zerolog.Logger) *SessionService {
	return &SessionService{DB: db, Client: client, Cfg: cfg, Log: log.With().Str("component", "sessions").Logger()}
}

// ListPage returns one page of sessions matching filter, newest-updated
// first.
func (s *SessionService) ListPage(ctx context.Context, f repo.SessionFilter, offset, limit int) (SessionPage, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page.offset", offset),
			attribute.Int("page.limit", limit),
		),
	)
	defer span.End()

	total, err := repo.CountSessions(ctx, s.DB, f)
	if err != nil {
		return SessionPage{}, err
	}
	items, err := repo.ListSessionsPage(ctx, s.DB, f, offset, limit)
	if err != nil {
		return SessionPage{}, err
	}
	return SessionPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Stats returns the match count and newest update time for a filter. Used
// for conditional GET on the listing endpoint.
func (s *SessionService) Stats(ctx context.Context, f repo.SessionFilter) (int64, *string, error) {
	count, maxUpdated, err := repo.SessionsStats(ctx, s.DB, f)
	if err != nil {
		return 0, nil, err
	}
	if maxUpdated == nil {
		return count, nil, nil
	}
	stamp := maxUpdated.UTC().Format("20060102150405.000000000")
	return count, &stamp, nil
}

// Detail returns a session (scoped to userID when non-empty) with one page
// of its messages in chronological order.
func (s *SessionService) Detail(ctx context.Context, id uint, userID string, offset, limit int) (SessionDetail, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Detail",
		trace.WithAttributes(attribute.Int("session.id", int(id))),
	)
	defer span.End()

	sess, err := repo.GetSession(ctx, s.DB, id, userID)
	if err != nil {
		if err == repo.ErrNotFound {
			return SessionDetail{}, ErrSessionNotFound
		}
		return SessionDetail{}, err
	}
	msgs, err := repo.ListMessagesPage(ctx, s.DB, sess.ID, offset, limit)
	if err != nil {
		return SessionDetail{}, err
	}
	total, err := repo.CountMessages(ctx, s.DB, sess.ID)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{Session: *sess, Messages: msgs, MessagesTotal: total}, nil
}

// Memory returns a user's recent conversation memory, oldest first, capped
// at the memory window.
func (s *SessionService) Memory(ctx context.Context, userID string) ([]domain.ConversationMemory, error) {
	return repo.RecentMemory(ctx, s.DB, userID, domain.MemoryWindow)
}

// CreateWebCall registers a browser call with the provider, seeding it with
// the user's recent memory so the agent picks up mid-conversation.
func (s *SessionService) CreateWebCall(ctx context.Context, userID string) (WebCall, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "CreateWebCall")
	defer span.End()

	if s.Cfg.AgentID == "" {
		return WebCall{}, ErrNoAgent
	}

	var memory []retell.MemoryTurn
	if userID != "" {
		turns, err := repo.RecentMemory(ctx, s.DB, userID, domain.MemoryWindow)
		if err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("memory load failed")
		}
		for _, t := range turns {
			memory = append(memory, retell.MemoryTurn{Role: t.Role, Content: t.Content})
		}
	}

	rec, diag, err := s.Client.CreateWebCall(ctx, s.Cfg.AgentID, memory)
	if err != nil {
		return WebCall{}, err
	}
	if len(rec) == 0 {
		// Every endpoint failed; the attempts are in the diagnostics. There
		// is no call to hand out and nothing to register locally.
		s.Log.Warn().Int("attempts", len(diag.Attempts)).Msg("web call creation failed")
		return WebCall{}, ErrWebCallFailed
	}

	out := WebCall{AgentID: s.Cfg.AgentID}
	if v, ok := rec["call_id"].(string); ok {
		out.CallID = v
	}
	if v, ok := rec["access_token"].(string); ok {
		out.AccessToken = v
	}

	// Register the call locally right away so it shows up before the first
	// reconciliation pass.
	up := normalize.Normalize(normalize.KindCall, rec)
	if userID != "" && up.UserID == nil {
		up.UserID = &userID
	}
	if up.HasIdentity() {
		if _, _, uerr := repo.UpsertSession(ctx, s.DB, up); uerr != nil {
			s.Log.Warn().Err(uerr).Msg("web call local upsert failed")
		}
	}
	return out, nil
}
