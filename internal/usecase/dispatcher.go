package usecase

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/protocol"
)

// Client-facing error messages.
const (
	MsgInvalidJSON   = "Invalid JSON format"
	MsgInvalidParams = "params must be an object"
	MsgInvalidType   = "type must be a string"
	MsgInternalError = "Internal error processing command"
	MsgMissingGameID = "Missing gameId parameter"
	MsgMissingTagID  = "Missing tagId parameter"
	MsgInvalidRating = "Rating must be between 1 and 5"
	MsgBadDuration   = "sessionDuration must be a positive integer number of seconds"
)

type handlerFunc func(cmd protocol.Command) (any, error)

// Dispatcher maps inbound commands to the controller and composes responses.
// Every command gets exactly one response; no error escapes to the connection.
type Dispatcher struct {
	controller  *Controller
	access      *AccessValidator
	broadcaster *Broadcaster
	diagnostics *DiagnosticsCollector
	clock       clockwork.Clock
	logger      *zap.Logger

	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher with all commands registered.
func NewDispatcher(
	controller *Controller,
	access *AccessValidator,
	broadcaster *Broadcaster,
	diagnostics *DiagnosticsCollector,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		controller:  controller,
		access:      access,
		broadcaster: broadcaster,
		diagnostics: diagnostics,
		clock:       clock,
		logger:      logger,
	}
	d.handlers = map[string]handlerFunc{
		protocol.TypeLaunchGame:     d.launchGame,
		protocol.TypeEndSession:     d.endSession,
		protocol.TypePauseSession:   d.pauseSession,
		protocol.TypeResumeSession:  d.resumeSession,
		protocol.TypeGetStatus:      d.getStatus,
		protocol.TypeHeartbeat:      d.heartbeat,
		protocol.TypeSubmitRating:   d.submitRating,
		protocol.TypeScanRFID:       d.scanRFID,
		protocol.TypeValidateRFID:   d.validateRFID,
		protocol.TypeGetDiagnostics: d.getDiagnostics,
	}
	return d
}

// stateChanging lists commands after which clients receive a fresh snapshot.
var stateChanging = map[string]bool{
	protocol.TypeLaunchGame:    true,
	protocol.TypeEndSession:    true,
	protocol.TypePauseSession:  true,
	protocol.TypeResumeSession: true,
}

// Handle processes one raw client message and returns the encoded response.
func (d *Dispatcher) Handle(raw []byte) []byte {
	cmd, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrInvalidJSON):
		d.logger.Warn("invalid command payload", zap.Int("bytes", len(raw)), zap.Error(err))
		return d.encode(protocol.Failure(protocol.NewID(), MsgInvalidJSON, d.clock.Now()))
	case err != nil:
		d.logger.Warn("malformed command", zap.String("command_id", cmd.ID), zap.Error(err))
		return d.encode(protocol.Failure(cmd.ID, malformedMessage(err), d.clock.Now()))
	}
	return d.encode(d.Dispatch(cmd))
}

// Dispatch runs a decoded command.
func (d *Dispatcher) Dispatch(cmd protocol.Command) (resp protocol.Response) {
	log := d.logger.With(zap.String("command_id", cmd.ID), zap.String("type", cmd.Type))

	handler, ok := d.handlers[cmd.Type]
	if !ok {
		log.Warn("unknown command type")
		return protocol.Failure(cmd.ID, fmt.Sprintf("Unknown command type: %s", cmd.Type), d.clock.Now())
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("command handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp = protocol.Failure(cmd.ID, MsgInternalError, d.clock.Now())
		}
	}()

	log.Debug("handling command")
	data, err := handler(cmd)
	if err != nil {
		return protocol.Failure(cmd.ID, d.clientMessage(log, err), d.clock.Now())
	}
	if stateChanging[cmd.Type] && d.broadcaster != nil {
		d.broadcaster.BroadcastNow()
	}
	return protocol.Success(cmd.ID, data, d.clock.Now())
}

// Welcome returns the encoded greeting sent to a newly connected client.
func (d *Dispatcher) Welcome() []byte {
	resp := protocol.Success(protocol.NewID(), map[string]any{
		"status":  d.broadcaster.Snapshot(),
		"message": "Connected to VR Command Center",
	}, d.clock.Now())
	resp.Type = protocol.TypeWelcome
	return d.encode(resp)
}

func malformedMessage(err error) string {
	if errors.Is(err, protocol.ErrInvalidParams) {
		return MsgInvalidParams
	}
	return MsgInvalidType
}

// clientMessage hides collaborator detail from clients.
func (d *Dispatcher) clientMessage(log *zap.Logger, err error) string {
	if domain.IsUserFacing(err) {
		log.Info("command rejected", zap.String("reason", err.Error()))
		return err.Error()
	}
	log.Error("command failed", zap.Error(err))
	return MsgInternalError
}

func (d *Dispatcher) encode(resp protocol.Response) []byte {
	data, err := protocol.Encode(resp)
	if err != nil {
		d.logger.Error("failed to encode response", zap.String("command_id", resp.ID), zap.Error(err))
		data, _ = protocol.Encode(protocol.Failure(resp.ID, MsgInternalError, d.clock.Now()))
	}
	return data
}

func (d *Dispatcher) launchGame(cmd protocol.Command) (any, error) {
	gameID, ok := cmd.Params.String("gameId")
	if !ok {
		return nil, domain.NewValidationError(MsgMissingGameID)
	}
	duration, present, err := cmd.Params.Int("sessionDuration")
	if err != nil || !present || duration <= 0 {
		return nil, domain.NewValidationError(MsgBadDuration)
	}
	tag, _ := cmd.Params.String("rfidTag")

	res, err := d.controller.LaunchAndStart(LaunchRequest{GameID: gameID, DurationSeconds: duration, RFIDTag: tag})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"gameId":            res.GameID,
		"gameTitle":         res.GameTitle,
		"sessionId":         res.SessionID,
		"sessionDuration":   res.DurationSeconds,
		"requestedDuration": res.RequestedDuration,
		"clamped":           res.Clamped,
		"demoMode":          res.DemoMode,
		"message":           fmt.Sprintf("Game %s launched successfully", res.GameID),
	}, nil
}

func (d *Dispatcher) endSession(cmd protocol.Command) (any, error) {
	var rating *int
	r, present, err := cmd.Params.Int("rating")
	if err != nil || (present && (r < 1 || r > 5)) {
		return nil, domain.NewValidationError(MsgInvalidRating)
	}
	if present {
		rating = &r
	}

	res, err := d.controller.EndAndStop(rating)
	if res == nil {
		return nil, err
	}
	if err != nil {
		// The session is over either way; the client should not retry.
		d.logger.Error("session ended but end was not persisted",
			zap.String("session_id", res.SessionID),
			zap.Error(err))
	}
	return map[string]any{
		"gameId":      res.GameID,
		"sessionId":   res.SessionID,
		"sessionTime": res.SessionTime,
		"message":     "Game session ended successfully",
	}, nil
}

func (d *Dispatcher) pauseSession(protocol.Command) (any, error) {
	remaining, err := d.controller.Pause()
	if err != nil {
		return nil, err
	}
	return map[string]any{"paused": true, "timeRemaining": remaining, "message": "Session paused"}, nil
}

func (d *Dispatcher) resumeSession(protocol.Command) (any, error) {
	remaining, err := d.controller.Resume()
	if err != nil {
		return nil, err
	}
	return map[string]any{"paused": false, "timeRemaining": remaining, "message": "Session resumed"}, nil
}

func (d *Dispatcher) getStatus(protocol.Command) (any, error) {
	return map[string]any{"status": d.broadcaster.Snapshot()}, nil
}

func (d *Dispatcher) heartbeat(protocol.Command) (any, error) {
	return map[string]any{"timestamp": d.clock.Now().UnixMilli()}, nil
}

func (d *Dispatcher) submitRating(cmd protocol.Command) (any, error) {
	gameID, ok := cmd.Params.String("gameId")
	if !ok {
		return nil, domain.NewValidationError(MsgMissingGameID)
	}
	rating, present, err := cmd.Params.Int("rating")
	if err != nil || !present || rating < 1 || rating > 5 {
		return nil, domain.NewValidationError(MsgInvalidRating)
	}

	res, err := d.controller.RateSession(gameID, rating)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"gameId":       gameID,
		"rating":       rating,
		"sessionFound": res.SessionFound,
	}
	if !res.SessionFound {
		data["message"] = "No active session found"
		return data, nil
	}
	data["sessionId"] = res.SessionID
	data["avgRating"] = res.AvgRating
	data["message"] = "Rating submitted successfully"
	return data, nil
}

func (d *Dispatcher) scanRFID(cmd protocol.Command) (any, error) {
	tagID, ok := cmd.Params.String("tagId")
	if !ok {
		return nil, domain.NewValidationError(MsgMissingTagID)
	}
	gameID, _ := cmd.Params.String("gameId")

	res := d.access.CheckGamePermission(tagID, gameID, domain.AccessActionScan)
	if res.Decision == DecisionError {
		return nil, domain.NewCollaboratorError("scan tag", res.Err)
	}

	data := map[string]any{
		"tagId":      tagID,
		"valid":      res.Tag != nil && res.Tag.Status == domain.TagActive,
		"authorized": res.Authorized(),
		"readTime":   d.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if res.Tag != nil {
		data["name"] = res.Tag.Name
		data["status"] = res.Tag.Status
		data["permissionLevel"] = res.Tag.PermissionLevel
	}
	return data, nil
}

func (d *Dispatcher) validateRFID(cmd protocol.Command) (any, error) {
	tagID, ok := cmd.Params.String("tagId")
	if !ok {
		return nil, domain.NewValidationError(MsgMissingTagID)
	}
	gameID, _ := cmd.Params.String("gameId")

	if gameID == "" {
		tag, err := d.access.Validate(tagID, domain.AccessActionValidate)
		if err != nil {
			return nil, err
		}
		data := map[string]any{"tagId": tagID, "authorized": tag.Status == domain.TagActive, "tag": tag}
		if tag.Status != domain.TagActive {
			data["reason"] = ReasonTagInactive
		}
		return data, nil
	}

	res := d.access.CheckGamePermission(tagID, gameID, domain.AccessActionValidate)
	switch {
	case res.Decision == DecisionError:
		return nil, domain.NewCollaboratorError("validate tag", res.Err)
	case res.Reason == ReasonUnknownTag:
		return nil, domain.NewNotFoundError("RFID tag", tagID)
	}
	data := map[string]any{"tagId": tagID, "gameId": gameID, "authorized": res.Authorized(), "tag": res.Tag}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	return data, nil
}

func (d *Dispatcher) getDiagnostics(protocol.Command) (any, error) {
	if d.diagnostics == nil {
		return nil, domain.NewCollaboratorError("diagnostics", errors.New("collector not configured"))
	}
	return d.diagnostics.Collect(), nil
}
