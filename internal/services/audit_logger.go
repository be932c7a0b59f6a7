package services

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

// AuditLogger emits one JSON line per money-affecting event. This is the
// operational trail; the durable trail lives in ledger_entries,
// external_sync_logs and the audit tables.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogAward(idempotencyKey, accountID string, currency string, amount int64, status string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "AWARD",
		ReferenceID: idempotencyKey,
		AccountID:   accountID,
		Amount:      amount,
		Status:      status,
		Details:     map[string]string{"currency": currency},
	}
	a.log(event)
}

func (a *AuditLogger) LogSync(referenceID, username string, delta int64, status string, attempts int) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "EXTERNAL_SYNC",
		ReferenceID: referenceID,
		Amount:      delta,
		Status:      status,
		Details: map[string]any{
			"external_username": username,
			"attempts":          attempts,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(referenceID, accountID, operation, details string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   operation,
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) LogError(referenceID, accountID string, err error) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
