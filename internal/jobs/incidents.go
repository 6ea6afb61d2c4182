package jobs

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/telemetry"
)

// Incident captures an unexpected failure that must not cascade: a generated
// ID, the error, and the offending data. Incidents are logged and swallowed
// so the surrounding flow continues.
type Incident struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// recordIncident logs a spawning/initialization failure with full context
// and returns the incident for callers that aggregate them.
func (m *Manager) recordIncident(err error, context map[string]any) Incident {
	inc := Incident{
		ID:      uuid.NewString(),
		At:      m.clock.Now(),
		Error:   err.Error(),
		Context: context,
	}
	telemetry.ObserveIncident()
	m.logger.Error("incident recorded",
		zap.String("incident_id", inc.ID),
		zap.String("error", inc.Error),
		zap.Any("context", inc.Context))
	return inc
}
