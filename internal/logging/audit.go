// Package logging provides audit logging of pipeline stage outcomes.
// Audit logs are JSON-line structured events written to a single file per day,
// recording what actually happened regardless of what the user was shown.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Loop lifecycle events
	AuditLoopStart    AuditEventType = "loop_start"
	AuditLoopComplete AuditEventType = "loop_complete"
	AuditLoopError    AuditEventType = "loop_error"
	AuditLoopCancel   AuditEventType = "loop_cancel"

	// Safety events
	AuditSafetyCheck    AuditEventType = "safety_check"
	AuditSafetyOverride AuditEventType = "safety_override"

	// Breaker events
	AuditBreakerTrip     AuditEventType = "breaker_trip"
	AuditBreakerHalfOpen AuditEventType = "breaker_half_open"
	AuditBreakerClose    AuditEventType = "breaker_close"
	AuditAnchorResponse  AuditEventType = "anchor_response"

	// Rate limiting events
	AuditAdmissionDeny AuditEventType = "admission_deny"
	AuditThrottleRaise AuditEventType = "throttle_raise"

	// LLM events
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMFallback AuditEventType = "llm_fallback"

	// Webhook events
	AuditWebhookAccepted  AuditEventType = "webhook_accepted"
	AuditWebhookRejected  AuditEventType = "webhook_rejected"
	AuditWebhookDuplicate AuditEventType = "webhook_duplicate"

	// Nudge events
	AuditNudgeScheduled AuditEventType = "nudge_scheduled"
	AuditNudgeFired     AuditEventType = "nudge_fired"
	AuditNudgeDropped   AuditEventType = "nudge_dropped"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	UserID     string                 `json:"user,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes structured audit events scoped to a request.
type AuditLogger struct {
	requestID string
	userID    string
}

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRequest creates an audit logger scoped to a request and user.
func AuditWithRequest(requestID, userID string) *AuditLogger {
	return &AuditLogger{requestID: requestID, userID: userID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RequestID == "" {
		event.RequestID = a.requestID
	}
	if event.UserID == "" {
		event.UserID = a.userID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// LoopComplete logs a completed loop invocation.
func (a *AuditLogger) LoopComplete(kind string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditLoopComplete,
		Target:     kind,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Loop completed: kind=%s (%dms, success=%v)", kind, durationMs, success),
	})
}

// SafetyOverride logs a safety override firing.
func (a *AuditLogger) SafetyOverride(rule string, severity string) {
	a.Log(AuditEvent{
		EventType: AuditSafetyOverride,
		Target:    rule,
		Success:   true,
		Fields:    map[string]interface{}{"severity": severity},
		Message:   fmt.Sprintf("Safety override: rule=%s severity=%s", rule, severity),
	})
}

// BreakerTransition logs a circuit breaker state change.
func (a *AuditLogger) BreakerTransition(event AuditEventType, subject, from, to string) {
	a.Log(AuditEvent{
		EventType: event,
		Target:    subject,
		Success:   true,
		Fields:    map[string]interface{}{"from": from, "to": to},
		Message:   fmt.Sprintf("Breaker %s: %s -> %s", subject, from, to),
	})
}

// AdmissionDeny logs a rate limit denial.
func (a *AuditLogger) AdmissionDeny(window string, retryAfterMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditAdmissionDeny,
		Target:     window,
		Success:    false,
		DurationMs: retryAfterMs,
		Message:    fmt.Sprintf("Admission denied: window=%s retry_after=%dms", window, retryAfterMs),
	})
}

// LLMCall logs a cloud LLM call.
func (a *AuditLogger) LLMCall(model string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditLLMResponse,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("LLM call: %s (%dms, success=%v)", model, durationMs, success),
	})
}

// WebhookEvent logs a webhook delivery outcome.
func (a *AuditLogger) WebhookEvent(event AuditEventType, deliveryID string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  event,
		Target:     deliveryID,
		Success:    event == AuditWebhookAccepted,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Webhook %s: delivery=%s (%dms)", event, deliveryID, durationMs),
	})
}

// NudgeEvent logs a nudge lifecycle event.
func (a *AuditLogger) NudgeEvent(event AuditEventType, userID, taskID string) {
	a.Log(AuditEvent{
		EventType: event,
		UserID:    userID,
		Target:    taskID,
		Success:   event != AuditNudgeDropped,
		Message:   fmt.Sprintf("Nudge %s: user=%s task=%s", event, userID, taskID),
	})
}
