package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/glfleet/backend/internal/clock"
)

const (
	// DefaultMaxMessageBytes is the serialized-size ceiling applied per
	// message, independent of the per-frame check in the parser.
	DefaultMaxMessageBytes = 1 << 20

	// DefaultHeartbeatMinInterval is the minimum spacing between consecutive
	// heartbeats from one connection.
	DefaultHeartbeatMinInterval = time.Second

	minJobIDLength = 3
)

// ValidatorConfig tunes the business-rule validator.
type ValidatorConfig struct {
	MaxMessageBytes      int
	HeartbeatMinInterval time.Duration
}

// Validator applies per-type business rules on top of structural parsing.
// Struct-tag rules come from go-playground/validator; cross-field rules and
// the per-connection heartbeat rate limit are enforced here.
type Validator struct {
	cfg      ValidatorConfig
	validate *validator.Validate
	clock    clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewValidator builds a Validator with defaults filled in.
func NewValidator(cfg ValidatorConfig, clk clock.Clock) *Validator {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.HeartbeatMinInterval <= 0 {
		cfg.HeartbeatMinInterval = DefaultHeartbeatMinInterval
	}
	return &Validator{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Validate checks an inbound message from connID. Outbound messages use
// ValidateOutbound, which skips connection-scoped rules.
func (v *Validator) Validate(connID string, msg Message) error {
	if err := v.checkSize(msg); err != nil {
		return err
	}
	switch msg.Type {
	case TypeHeartbeat:
		return v.validateHeartbeat(connID, msg)
	case TypeJobProgress:
		return v.validateJobProgress(msg)
	case TypeJobStarted, TypeJobCompleted, TypeJobFailed:
		return v.requireJobID(msg)
	case TypeTokenRefreshRequest:
		if msg.JobID == "" {
			return &ValidationError{Type: msg.Type, Reason: "job_id is required"}
		}
		return nil
	default:
		return &ValidationError{Type: msg.Type, Reason: "unknown message type"}
	}
}

// ValidateOutbound checks a backend-to-crawler message before it reaches the
// transport.
func (v *Validator) ValidateOutbound(msg Message) error {
	if err := v.checkSize(msg); err != nil {
		return err
	}
	switch msg.Type {
	case TypeJobAssignment:
		return v.validateJobAssignment(msg)
	case TypeTokenRefreshResponse:
		return v.validateTokenRefreshResponse(msg)
	case TypeShutdown:
		var data ShutdownData
		if err := msg.DecodeData(&data); err != nil {
			return &ValidationError{Type: msg.Type, Reason: "undecodable payload"}
		}
		return v.structRules(msg.Type, data)
	default:
		return &ValidationError{Type: msg.Type, Reason: "unknown outbound message type"}
	}
}

// ForgetConnection drops the heartbeat rate-limit state for connID.
func (v *Validator) ForgetConnection(connID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.limiters, connID)
}

func (v *Validator) checkSize(msg Message) error {
	size := msg.WireSize
	if size == 0 {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return &ValidationError{Type: msg.Type, Reason: "unencodable message"}
		}
		size = len(encoded)
	}
	if size > v.cfg.MaxMessageBytes {
		return &ValidationError{
			Type:   msg.Type,
			Reason: fmt.Sprintf("message size %d exceeds maximum %d", size, v.cfg.MaxMessageBytes),
		}
	}
	return nil
}

func (v *Validator) validateHeartbeat(connID string, msg Message) error {
	var data HeartbeatData
	if err := msg.DecodeData(&data); err != nil {
		return &ValidationError{Type: msg.Type, Reason: "undecodable payload"}
	}
	if err := v.structRules(msg.Type, data); err != nil {
		return err
	}
	if !v.allowHeartbeat(connID) {
		return &ValidationError{Type: msg.Type, Reason: "heartbeat too frequent"}
	}
	return nil
}

// allowHeartbeat enforces the per-connection minimum heartbeat spacing using
// a token bucket driven by the injected clock.
func (v *Validator) allowHeartbeat(connID string) bool {
	v.mu.Lock()
	limiter, ok := v.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(v.cfg.HeartbeatMinInterval), 1)
		v.limiters[connID] = limiter
	}
	v.mu.Unlock()
	return limiter.AllowN(v.clock.Now(), 1)
}

func (v *Validator) validateJobProgress(msg Message) error {
	if err := v.requireJobID(msg); err != nil {
		return err
	}
	var data JobProgressData
	if err := msg.DecodeData(&data); err != nil {
		return &ValidationError{Type: msg.Type, Reason: "undecodable payload"}
	}
	if err := v.structRules(msg.Type, data); err != nil {
		return err
	}
	for entity, rec := range data.Entities {
		if rec.TotalProcessed > rec.TotalDiscovered {
			return &ValidationError{
				Type:   msg.Type,
				Reason: fmt.Sprintf("entity %s: total_processed %d exceeds total_discovered %d", entity, rec.TotalProcessed, rec.TotalDiscovered),
			}
		}
	}
	return nil
}

func (v *Validator) validateJobAssignment(msg Message) error {
	if err := v.requireJobID(msg); err != nil {
		return err
	}
	var data JobAssignmentData
	if err := msg.DecodeData(&data); err != nil {
		return &ValidationError{Type: msg.Type, Reason: "undecodable payload"}
	}
	return v.structRules(msg.Type, data)
}

func (v *Validator) validateTokenRefreshResponse(msg Message) error {
	var data TokenRefreshResponseData
	if err := msg.DecodeData(&data); err != nil {
		return &ValidationError{Type: msg.Type, Reason: "undecodable payload"}
	}
	if data.RefreshSuccessful && data.AccessToken == "" {
		return &ValidationError{Type: msg.Type, Reason: "access_token is required when refresh_successful"}
	}
	return nil
}

func (v *Validator) requireJobID(msg Message) error {
	if len(msg.JobID) < minJobIDLength {
		return &ValidationError{
			Type:   msg.Type,
			Reason: fmt.Sprintf("job_id must be at least %d characters", minJobIDLength),
		}
	}
	return nil
}

func (v *Validator) structRules(t Type, data any) error {
	if err := v.validate.Struct(data); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return &ValidationError{Type: t, Reason: "unvalidatable payload"}
		}
		return &ValidationError{Type: t, Reason: err.Error()}
	}
	return nil
}
