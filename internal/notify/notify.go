package notify

import (
	"fmt"
	"strings"

	"github.com/Fi44er/custody_ledger/utils"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier reports custody events to operators.
type Notifier interface {
	BatchBroadcast(txid string, payouts int, amount, fee int64)
	BatchConfirmed(txid string, confirmations int)
	PaymentFailed(k1, paymentHash, reason string)
	TaskFailed(task string, err error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts to the admin chat.
type Telegram struct {
	api         sender
	adminChatID int64
	logger      *utils.Logger
}

func NewTelegram(token string, adminChatID int64, logger *utils.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return &Telegram{api: api, adminChatID: adminChatID, logger: logger}, nil
}

func (t *Telegram) BatchBroadcast(txid string, payouts int, amount, fee int64) {
	t.send(fmt.Sprintf("📤 *Batch broadcast*\n\nTxID: `%s`\nPayouts: %d\nAmount: %d sat\nFee: %d sat",
		txid, payouts, amount, fee))
}

func (t *Telegram) BatchConfirmed(txid string, confirmations int) {
	t.send(fmt.Sprintf("✅ *Batch confirmed*\n\nTxID: `%s`\nConfirmations: %d", txid, confirmations))
}

func (t *Telegram) PaymentFailed(k1, paymentHash, reason string) {
	t.send(fmt.Sprintf("❌ *Lightning payment failed*\n\nk1: `%s`\nHash: `%s`\nReason: %s",
		k1, paymentHash, escape(reason)))
}

func (t *Telegram) TaskFailed(task string, err error) {
	t.send(fmt.Sprintf("⚠️ *Task %s restarted*\n\n%s", escape(task), escape(err.Error())))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.adminChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Errorf("Failed to send admin message: %v", err)
	}
}

func escape(s string) string {
	return strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[").Replace(s)
}

// Log writes notifications to the log when no chat is configured.
type Log struct {
	Logger *utils.Logger
}

func (l Log) BatchBroadcast(txid string, payouts int, amount, fee int64) {
	l.Logger.Infof("batch %s broadcast: %d payouts, %d sat, fee %d", txid, payouts, amount, fee)
}

func (l Log) BatchConfirmed(txid string, confirmations int) {
	l.Logger.Infof("batch %s confirmed with %d confirmations", txid, confirmations)
}

func (l Log) PaymentFailed(k1, paymentHash, reason string) {
	l.Logger.Warnf("payment %s for %s failed: %s", paymentHash, k1, reason)
}

func (l Log) TaskFailed(task string, err error) {
	l.Logger.Warnf("task %s failed: %v", task, err)
}
