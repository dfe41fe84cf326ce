package models

import "time"

// Scan statuses follow the reservation that paid for the scan.
const (
	ScanPending   = "PENDING"
	ScanCompleted = "COMPLETED"
	ScanFailed    = "FAILED"
)

// Scan is one paid classification of a crop image.
type Scan struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	ReservationID string    `json:"reservation_id" db:"reservation_id"`
	TeamID        string    `json:"team_id,omitempty" db:"team_id"`
	ImageName     string    `json:"image_name" db:"image_name"`
	Species       string    `json:"species" db:"species"`
	Disease       string    `json:"disease" db:"disease"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	Status        string    `json:"status" db:"status"`
	Overview      string    `json:"overview,omitempty" db:"overview"`
	Treatment     string    `json:"treatment,omitempty" db:"treatment"`
	Prevention    string    `json:"prevention,omitempty" db:"prevention"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
