// internal/notify/telegram.go
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// StaffAlerter pushes a short note about errored gradings into a staff
// chat. Strictly best effort: a lost alert changes nothing for the
// student, who still gets the regular mail.
type StaffAlerter struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewStaffAlerter returns nil when no token is configured; callers treat
// a nil alerter as disabled.
func NewStaffAlerter(token string, chatID int64) (*StaffAlerter, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	return &StaffAlerter{api: api, chatID: chatID}, nil
}

func (a *StaffAlerter) Alert(requestID, exercise, kind string) error {
	text := fmt.Sprintf(
		"⚠️ Grading failed\nrequest: %s\nexercise: %s\nkind: %s",
		requestID, exercise, kind,
	)
	msg := tgbotapi.NewMessage(a.chatID, text)
	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send staff alert: %w", err)
	}
	return nil
}
