package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one structured audit record. Every balance-affecting transition
// emits one, so operators can replay what happened to an account.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogReservation(reservationID, accountID string, amount int64, state string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "RESERVATION",
		ReferenceID: reservationID,
		AccountID:   accountID,
		Amount:      amount,
		Status:      state,
	})
}

func (a *Logger) LogSettlement(reservationID, accountID, outcome string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "SETTLEMENT",
		ReferenceID: reservationID,
		AccountID:   accountID,
		Status:      outcome,
	})
}

func (a *Logger) LogTopUp(purchaseRef, accountID string, amount int64, status string) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "TOP_UP",
		ReferenceID: purchaseRef,
		AccountID:   accountID,
		Amount:      amount,
		Status:      status,
	})
}

// LogEscalation marks a failure that needs manual reconciliation, e.g. a
// captured payment that could not be credited.
func (a *Logger) LogEscalation(referenceID, accountID string, amount int64, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "ESCALATION",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Amount:      amount,
		Status:      "NEEDS_RECONCILIATION",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogError(referenceID, accountID string, err error) {
	a.log(Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] failed to marshal event: %v", err)
		return
	}
	log.Printf("[AUDIT] %s", data)
}
