package escalation

import (
	"time"

	"github.com/marketgate/sla-engine/internal/sla"
)

// Event is the outbound message produced for the notifier whenever a
// violation's resolved escalation level changes. The engine never delivers
// notifications itself.
type Event struct {
	ViolationID  string         `json:"violation_id"`
	AdminID      string         `json:"admin_id"`
	EntityType   sla.EntityType `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Level        int            `json:"level"`
	RoleRequired string         `json:"role_required"`
	Channels     []string       `json:"channels"`
	Timestamp    time.Time      `json:"timestamp"`
}
