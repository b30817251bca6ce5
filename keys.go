package relay

import "strings"

// Key and channel naming for the shared broker. Runs are discoverable
// across instances through active_run records; the per-run response
// list and its two pub/sub topics carry the stream itself.

// ActiveRunKey is the shared record registering a run on an instance.
func ActiveRunKey(instanceID, runID string) string {
	return "active_run:" + instanceID + ":" + runID
}

// ActiveRunPattern matches every instance's record for one run.
func ActiveRunPattern(runID string) string {
	return "active_run:*:" + runID
}

// InstanceRunsPattern matches every run registered on one instance.
func InstanceRunsPattern(instanceID string) string {
	return "active_run:" + instanceID + ":*"
}

// ParseActiveRunKey splits an active_run key into instance and run ids.
// Returns empty strings if the key does not match.
func ParseActiveRunKey(key string) (instanceID, runID string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "active_run" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ResponseListKey is the per-run ordered response list.
func ResponseListKey(runID string) string {
	return "agent_run:" + runID + ":responses"
}

// ResponseChannel carries "new" notifications when items are appended.
func ResponseChannel(runID string) string {
	return "agent_run:" + runID + ":new_response"
}

// ControlChannel is the run's global control topic.
func ControlChannel(runID string) string {
	return "agent_run:" + runID + ":control"
}

// InstanceControlChannel is the control topic scoped to one instance.
func InstanceControlChannel(runID, instanceID string) string {
	return "agent_run:" + runID + ":control:" + instanceID
}

// Control signals published on control channels.
const (
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)
