package fingerprint

import (
	"strconv"
	"strings"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

const separator = "|"

// Generate derives the identity key of a physical call. It is exact on
// purpose: one second or one duration unit apart yields a different key.
func Generate(leadID, agentName string, startedAt time.Time, durationSeconds int) string {
	return strings.ToLower(strings.Join([]string{
		domain.NormalizeLeadID(leadID),
		strings.TrimSpace(agentName),
		startedAt.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05"),
		strconv.Itoa(durationSeconds),
	}, separator))
}

func ForCall(call domain.CallRecord) string {
	return Generate(call.LeadID, call.AgentName, call.StartedAt, call.DurationSeconds)
}
