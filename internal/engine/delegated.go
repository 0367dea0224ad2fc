package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bidcraft/bidcraft/internal/planner"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// configSentinels are placeholder values that deployment templates leave
// in planner settings. Seeing one means the operator never configured the
// agent, so the session fails fast without a network call.
var configSentinels = map[string]struct{}{
	"":            {},
	"PLACEHOLDER": {},
	"TBD":         {},
}

// DelegatedConfig identifies the external planner agent that runs the
// workflow on our behalf.
type DelegatedConfig struct {
	Endpoint string
	AgentID  string
}

// DelegatedStrategy hands the whole workflow to an external planner agent
// and consumes its event stream. Because the planner's completion signal
// is advisory, the strategy reconciles against produced artifacts before
// reporting success.
type DelegatedStrategy struct {
	store  store.Store
	cfg    DelegatedConfig
	client *planner.Client
	reader *planner.Reader
	logger *slog.Logger
}

// NewDelegatedStrategy creates the delegated planning strategy.
func NewDelegatedStrategy(st store.Store, cfg DelegatedConfig, client *planner.Client, reader *planner.Reader, logger *slog.Logger) *DelegatedStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &DelegatedStrategy{
		store:  st,
		cfg:    cfg,
		client: client,
		reader: reader,
		logger: logger,
	}
}

func (s *DelegatedStrategy) Name() string { return "delegated" }

// Preflight rejects unconfigured planner settings before any work starts.
func (s *DelegatedStrategy) Preflight(ctx context.Context) error {
	if isSentinel(s.cfg.Endpoint) {
		return schema.NewError(schema.ErrCodeConfiguration,
			"planner endpoint is not configured")
	}
	if isSentinel(s.cfg.AgentID) {
		return schema.NewError(schema.ErrCodeConfiguration,
			"planner agent id is not configured")
	}
	return nil
}

func (s *DelegatedStrategy) Run(ctx context.Context, sess *store.Session) Outcome {
	input := map[string]any{
		"client_name":  sess.Intake.ClientName,
		"requirements": sess.Intake.Requirements,
	}
	if sess.Intake.ProjectName != "" {
		input["project_name"] = sess.Intake.ProjectName
	}
	if sess.Intake.Industry != "" {
		input["industry"] = sess.Intake.Industry
	}
	if sess.Intake.Duration != "" {
		input["duration"] = sess.Intake.Duration
	}
	if sess.Intake.TeamSize > 0 {
		input["team_size"] = sess.Intake.TeamSize
	}

	stream, err := s.client.StartRun(ctx, sess.ID, input)
	if err != nil {
		return Outcome{
			Status:  schema.SessionStatusError,
			Message: fmt.Sprintf("failed to dispatch planner run: %v", err),
		}
	}

	outcome, err := s.reader.Consume(ctx, sess.ID, stream)
	switch outcome {
	case planner.OutcomeAwaitingInput:
		return Outcome{Status: schema.SessionStatusAwaitingInput}
	case planner.OutcomeStreamFailed:
		return Outcome{
			Status:  schema.SessionStatusError,
			Message: fmt.Sprintf("planner stream failed: %v", err),
		}
	}

	return s.reconcile(ctx, sess.ID)
}

// reconcile decides whether a planner-reported completion actually
// produced anything. A run with no document URLs is a failure no matter
// what the planner claimed.
func (s *DelegatedStrategy) reconcile(ctx context.Context, sessionID string) Outcome {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		rErr := schema.NewErrorf(schema.ErrCodeReconciliation,
			"failed to reconcile planner run: %s", err.Error()).WithCause(err)
		return Outcome{Status: schema.SessionStatusError, Message: rErr.Error()}
	}
	if len(sess.DocumentURLs) == 0 {
		s.logger.WarnContext(ctx, "planner reported completion but produced no documents")
		rErr := schema.NewError(schema.ErrCodeReconciliation,
			"planner run finished but no documents were generated")
		return Outcome{Status: schema.SessionStatusError, Message: rErr.Error()}
	}
	return Outcome{Status: schema.SessionStatusCompleted}
}

func isSentinel(v string) bool {
	_, ok := configSentinels[strings.ToUpper(strings.TrimSpace(v))]
	return ok
}
