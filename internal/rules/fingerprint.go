package rules

// Fingerprints identify "the same logical alert" across open, update,
// and close. They must be computed identically on every path: the
// string used to close an alert is bitwise equal to the one used to
// open it.

// RuleFingerprint is the fingerprint for an alert opened by a rule
// firing against a device.
func RuleFingerprint(ruleID, deviceID string) string {
	return "RULE:" + ruleID + ":" + deviceID
}

// HeartbeatFingerprint is the fingerprint for a NO_HEARTBEAT alert on
// a device that went OFFLINE.
func HeartbeatFingerprint(deviceID string) string {
	return "NO_HEARTBEAT:" + deviceID
}
