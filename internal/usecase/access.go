package usecase

import (
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAuthorized Decision = "authorized"
	DecisionDenied     Decision = "denied"
	DecisionError      Decision = "error"
)

// Denial reasons reported to clients.
const (
	ReasonUnknownTag    = "unknown tag"
	ReasonTagInactive   = "tag inactive"
	ReasonGameForbidden = "tag not permitted for this game"
	ReasonLookupFailed  = "lookup failed"
	ReasonAuditFailed   = "audit log unavailable"
)

// AccessResult is the outcome of CheckGamePermission.
type AccessResult struct {
	Decision Decision
	Tag      *domain.AccessTag
	Reason   string
	Err      error
}

// Authorized reports whether access was granted.
func (r AccessResult) Authorized() bool {
	return r.Decision == DecisionAuthorized
}

// AccessValidator checks tags against the tag store.
// Every attempt is written to the access log; a decision whose audit
// entry cannot be written is reported as an error, never as authorized.
type AccessValidator struct {
	tags   domain.TagStore
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewAccessValidator creates an access validator.
func NewAccessValidator(tags domain.TagStore, clock clockwork.Clock, logger *zap.Logger) *AccessValidator {
	return &AccessValidator{tags: tags, clock: clock, logger: logger}
}

// Validate looks up a tag of any status and logs the attempt.
// Success in the log means the tag exists and is active.
func (v *AccessValidator) Validate(tagID, action string) (*domain.AccessTag, error) {
	tag, err := v.tags.GetTag(tagID)
	if errors.Is(err, domain.ErrNotFound) {
		v.record(tagID, "", action, false, ReasonUnknownTag)
		return nil, domain.NewNotFoundError("RFID tag", tagID)
	}
	if err != nil {
		v.record(tagID, "", action, false, ReasonLookupFailed)
		return nil, domain.NewCollaboratorError("lookup tag", err)
	}

	active := tag.Status == domain.TagActive
	reason := ""
	if !active {
		reason = ReasonTagInactive
	}
	if err := v.record(tagID, "", action, active, reason); err != nil {
		return nil, domain.NewCollaboratorError("record access", err)
	}
	if active {
		v.touch(tagID)
	}
	return tag, nil
}

// CheckGamePermission decides whether a tag may play a game.
// Active tags are allowed unless an explicit per-game row denies them.
// An empty gameID checks the tag alone.
func (v *AccessValidator) CheckGamePermission(tagID, gameID, action string) AccessResult {
	result := v.decide(tagID, gameID)

	if err := v.record(tagID, gameID, action, result.Authorized(), result.Reason); err != nil {
		return AccessResult{Decision: DecisionError, Tag: result.Tag, Reason: ReasonAuditFailed, Err: err}
	}
	if result.Authorized() {
		v.touch(tagID)
	}
	return result
}

func (v *AccessValidator) decide(tagID, gameID string) AccessResult {
	tag, err := v.tags.GetTag(tagID)
	if errors.Is(err, domain.ErrNotFound) {
		return AccessResult{Decision: DecisionDenied, Reason: ReasonUnknownTag}
	}
	if err != nil {
		return AccessResult{Decision: DecisionError, Reason: ReasonLookupFailed, Err: err}
	}
	if tag.Status != domain.TagActive {
		return AccessResult{Decision: DecisionDenied, Tag: tag, Reason: ReasonTagInactive}
	}
	if gameID == "" {
		return AccessResult{Decision: DecisionAuthorized, Tag: tag}
	}

	allowed, found, err := v.tags.GetGamePermission(tagID, gameID)
	if err != nil {
		return AccessResult{Decision: DecisionError, Tag: tag, Reason: ReasonLookupFailed, Err: err}
	}
	if found && !allowed {
		return AccessResult{Decision: DecisionDenied, Tag: tag, Reason: ReasonGameForbidden}
	}
	return AccessResult{Decision: DecisionAuthorized, Tag: tag}
}

func (v *AccessValidator) record(tagID, gameID, action string, success bool, reason string) error {
	err := v.tags.RecordAccess(domain.AccessLogEntry{
		TagID:     tagID,
		GameID:    gameID,
		Action:    action,
		Success:   success,
		Reason:    reason,
		Timestamp: v.clock.Now(),
	})
	if err != nil {
		v.logger.Error("failed to write access log",
			zap.String("tag_id", tagID),
			zap.String("action", action),
			zap.Error(err))
		return err
	}
	v.logger.Info("access checked",
		zap.String("tag_id", tagID),
		zap.String("game_id", gameID),
		zap.String("action", action),
		zap.Bool("success", success),
		zap.String("reason", reason))
	return nil
}

func (v *AccessValidator) touch(tagID string) {
	if err := v.tags.TouchTag(tagID); err != nil {
		v.logger.Warn("failed to record tag use", zap.String("tag_id", tagID), zap.Error(err))
	}
}
