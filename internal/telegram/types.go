package telegram

// Wire types for the subset of the Bot API the bot consumes.

// Update is one item from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound or outbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User identifies a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat identifies a conversation container.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ReplyKeyboardMarkup is the fixed reply-keyboard menu.
type ReplyKeyboardMarkup struct {
	Keyboard       [][]KeyboardButton `json:"keyboard"`
	ResizeKeyboard bool               `json:"resize_keyboard"`
	IsPersistent   bool               `json:"is_persistent,omitempty"`
}

// KeyboardButton is one key on the reply keyboard.
type KeyboardButton struct {
	Text string `json:"text"`
}
