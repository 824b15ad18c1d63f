package telegram

import "time"

const (
	// telegramMaxMessageLen is the safe limit for Telegram messages.
	// Telegram's hard limit is 4096.
	telegramMaxMessageLen = 4000

	// pollTimeoutSec is the long-poll hold time passed to getUpdates.
	pollTimeoutSec = 30

	// replyBodyMaxLen caps quoted reply text appended to inbound content.
	replyBodyMaxLen = 500

	stopWait = 5 * time.Second
)
