// Package workflow enforces the engagement phase machine and serialises
// expensive per-engagement actions. Correctness rests on the store's
// compare-and-set primitives; the optional distributed lock only cheapens the
// common contended path.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/metrics"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/pkg/logger"
)

// GuardedAction describes one serialised, phase-checked operation.
type GuardedAction struct {
	// Name identifies the action in the in-flight marker and result cache.
	Name string
	// AllowedPhases lists the phases the action may run in. Empty means any.
	AllowedPhases []engagement.Phase
	// AdvanceTo, when set, moves the engagement forward after the action
	// succeeds, provided the edge is legal from the current phase.
	AdvanceTo engagement.Phase
}

// ActionLocker is an optional cross-instance lock taken around a guarded
// action. Failing to acquire it is not fatal; the store CAS remains the
// authority.
type ActionLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Generator produces a design preview for an engagement.
type Generator interface {
	Generate(ctx context.Context, eng engagement.Engagement) (string, error)
}

// Service is the workflow gate.
type Service struct {
	store     storage.EngagementStore
	locker    ActionLocker
	generator Generator
	cooldown  time.Duration
	actionTTL time.Duration
	log       *logger.Logger
}

// Option configures the service.
type Option func(*Service)

// WithCooldown sets how long a completed action's result is served from cache
// before the action may run again.
func WithCooldown(d time.Duration) Option {
	return func(s *Service) { s.cooldown = d }
}

// WithActionTTL sets how long an in-flight marker is honoured before it is
// treated as abandoned by a crashed instance.
func WithActionTTL(d time.Duration) Option {
	return func(s *Service) { s.actionTTL = d }
}

// WithLocker installs a distributed action lock.
func WithLocker(locker ActionLocker) Option {
	return func(s *Service) { s.locker = locker }
}

// WithGenerator installs the design generator collaborator.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.generator = g }
}

// New constructs the workflow gate.
func New(store storage.EngagementStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	s := &Service{
		store:     store,
		cooldown:  2 * time.Minute,
		actionTTL: 5 * time.Minute,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a new engagement in the welcome phase.
func (s *Service) Create(ctx context.Context, clientID, fabricatorID string, metadata map[string]string) (engagement.Engagement, error) {
	if clientID == "" {
		return engagement.Engagement{}, fmt.Errorf("client id required")
	}
	eng, err := s.store.CreateEngagement(ctx, engagement.Engagement{
		ClientID:     clientID,
		FabricatorID: fabricatorID,
		Phase:        engagement.PhaseWelcome,
		Metadata:     metadata,
	})
	if err != nil {
		return engagement.Engagement{}, err
	}
	s.log.WithField("engagement_id", eng.ID).WithField("client_id", clientID).Info("engagement created")
	return eng, nil
}

// Get returns one engagement.
func (s *Service) Get(ctx context.Context, id string) (engagement.Engagement, error) {
	return s.store.GetEngagement(ctx, id)
}

// List returns all engagements.
func (s *Service) List(ctx context.Context) ([]engagement.Engagement, error) {
	return s.store.ListEngagements(ctx)
}

// Advance moves the engagement one step along the phase chain. Any other
// target is a phase violation; losing a concurrent race reports busy.
func (s *Service) Advance(ctx context.Context, id string, to engagement.Phase) (engagement.Engagement, error) {
	eng, err := s.store.GetEngagement(ctx, id)
	if err != nil {
		return engagement.Engagement{}, err
	}
	if !to.Valid() || !eng.Phase.CanAdvanceTo(to) {
		return engagement.Engagement{}, fmt.Errorf("%w: %s -> %s", engagement.ErrPhaseViolation, eng.Phase, to)
	}

	updated, err := s.store.CASPhase(ctx, id, eng.Phase, to)
	if err != nil {
		return engagement.Engagement{}, err
	}
	s.log.WithField("engagement_id", id).
		WithField("from", eng.Phase).
		WithField("to", to).
		Info("engagement advanced")
	return updated, nil
}

// RunGuarded executes fn under the per-engagement gate: the phase must allow
// the action, a recently completed identical action is served from its cached
// result, and at most one instance of the action runs at a time across all
// server processes.
func (s *Service) RunGuarded(ctx context.Context, id string, action GuardedAction, fn func(ctx context.Context, eng engagement.Engagement) (string, error)) (string, error) {
	if action.Name == "" {
		return "", fmt.Errorf("action name required")
	}

	eng, err := s.store.GetEngagement(ctx, id)
	if err != nil {
		return "", err
	}
	if !s.phaseAllowed(eng.Phase, action) {
		metrics.RecordWorkflowAction(action.Name, "phase_violation")
		return "", fmt.Errorf("%w: %s in phase %s", engagement.ErrPhaseViolation, action.Name, eng.Phase)
	}

	// Cooldown short-circuit: identical action finished moments ago, so hand
	// back the cached result instead of re-running.
	if eng.LastAction == action.Name && !eng.LastCompletedAt.IsZero() &&
		time.Since(eng.LastCompletedAt) < s.cooldown {
		metrics.RecordWorkflowAction(action.Name, "cooldown_hit")
		s.log.WithField("engagement_id", id).
			WithField("action", action.Name).
			Debug("serving cached action result")
		return eng.LastResult, nil
	}

	if s.locker != nil {
		key := "engagement:" + id + ":action"
		ok, lockErr := s.locker.Acquire(ctx, key, s.actionTTL)
		if lockErr != nil {
			s.log.WithError(lockErr).WithField("engagement_id", id).Warn("action lock unavailable")
		} else if !ok {
			return s.busyResult(id, action, eng)
		} else {
			defer func() {
				if relErr := s.locker.Release(context.WithoutCancel(ctx), key); relErr != nil {
					s.log.WithError(relErr).WithField("engagement_id", id).Warn("action lock release failed")
				}
			}()
		}
	}

	claimed, ok, err := s.store.TryBeginAction(ctx, id, action.Name, time.Now().UTC(), s.actionTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.busyResult(id, action, claimed)
	}

	result, runErr := fn(ctx, claimed)
	finished, finErr := s.store.FinishAction(ctx, id, action.Name, result, time.Now().UTC(), runErr == nil)
	if finErr != nil {
		s.log.WithError(finErr).WithField("engagement_id", id).Error("clearing action marker")
	}
	if runErr != nil {
		metrics.RecordWorkflowAction(action.Name, "failed")
		return "", runErr
	}

	if action.AdvanceTo != "" && finished.Phase.CanAdvanceTo(action.AdvanceTo) {
		if _, err := s.store.CASPhase(ctx, id, finished.Phase, action.AdvanceTo); err != nil {
			s.log.WithError(err).WithField("engagement_id", id).Warn("post-action phase advance lost")
		}
	}

	metrics.RecordWorkflowAction(action.Name, "ok")
	s.log.WithField("engagement_id", id).
		WithField("action", action.Name).
		Info("guarded action completed")
	return result, nil
}

// busyResult resolves a contended action: a caller racing an in-flight run of
// an action that has completed before gets the most recent result instead of
// an error. Busy is reserved for the action's first-ever run.
func (s *Service) busyResult(id string, action GuardedAction, eng engagement.Engagement) (string, error) {
	if eng.LastAction == action.Name && !eng.LastCompletedAt.IsZero() {
		metrics.RecordWorkflowAction(action.Name, "busy_cached")
		s.log.WithField("engagement_id", id).
			WithField("action", action.Name).
			Debug("action in progress, serving last result")
		return eng.LastResult, nil
	}
	metrics.RecordWorkflowAction(action.Name, "busy")
	s.log.WithField("engagement_id", id).
		WithField("action", action.Name).
		WithField("in_flight", eng.ActionInFlight).
		Debug("action already in progress")
	return "", engagement.ErrBusy
}

// GenerateDesign runs the design generator under the gate. Legal while
// gathering info (first generation, advancing the phase) and while previewing
// (regeneration, phase unchanged).
func (s *Service) GenerateDesign(ctx context.Context, id string) (string, error) {
	if s.generator == nil {
		return "", fmt.Errorf("no design generator configured")
	}
	action := GuardedAction{
		Name: "generate-design",
		AllowedPhases: []engagement.Phase{
			engagement.PhaseGatheringInfo,
			engagement.PhasePreviewingDesign,
		},
		AdvanceTo: engagement.PhasePreviewingDesign,
	}
	return s.RunGuarded(ctx, id, action, func(ctx context.Context, eng engagement.Engagement) (string, error) {
		return s.generator.Generate(ctx, eng)
	})
}

func (s *Service) phaseAllowed(phase engagement.Phase, action GuardedAction) bool {
	if len(action.AllowedPhases) == 0 {
		return true
	}
	for _, p := range action.AllowedPhases {
		if p == phase {
			return true
		}
	}
	return false
}
