package models

import "time"

// Notification is the outbox message the mail worker turns into an email.
type Notification struct {
	ID        string              `json:"id"`
	Recipient string              `json:"recipient"`
	Token     string              `json:"token"`
	Purpose   ConfirmationPurpose `json:"purpose"`
	CreatedAt time.Time           `json:"created_at"`
}
