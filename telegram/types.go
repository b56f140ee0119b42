package telegram

// Update is one item from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of the Bot API message object the recorder reads.
type Message struct {
	MessageID int64       `json:"message_id"`
	Date      int64       `json:"date"`
	Chat      Chat        `json:"chat"`
	From      *User       `json:"from"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Entities  []Entity    `json:"entities"`
	Photo     []PhotoSize `json:"photo"`
	Sticker   *Sticker    `json:"sticker"`
	Document  *Document   `json:"document"`
	Video     *FileRef    `json:"video"`
	Voice     *FileRef    `json:"voice"`
	Audio     *FileRef    `json:"audio"`
	VideoNote *FileRef    `json:"video_note"`
	Animation *FileRef    `json:"animation"`
	Location  *struct{}   `json:"location"`
	Contact   *struct{}   `json:"contact"`
	Poll      *struct{}   `json:"poll"`

	ForwardOrigin     *ForwardOrigin `json:"forward_origin"`
	ForwardFrom       *User          `json:"forward_from"`
	ForwardFromChat   *Chat          `json:"forward_from_chat"`
	ForwardSenderName string         `json:"forward_sender_name"`
	ForwardDate       int64          `json:"forward_date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// DisplayName joins first and last name, falling back to the username.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// Entity marks a span of text such as a bot command.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
}

// Sticker is a sticker payload.
type Sticker struct {
	FileID     string `json:"file_id"`
	Emoji      string `json:"emoji"`
	IsAnimated bool   `json:"is_animated"`
	IsVideo    bool   `json:"is_video"`
}

// Document is a generic file.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

// FileRef is any payload identified only by its file id.
type FileRef struct {
	FileID string `json:"file_id"`
}

// ForwardOrigin describes where a forwarded message came from.
type ForwardOrigin struct {
	Type           string `json:"type"`
	Date           int64  `json:"date"`
	SenderUser     *User  `json:"sender_user"`
	SenderUserName string `json:"sender_user_name"`
	SenderChat     *Chat  `json:"sender_chat"`
	Chat           *Chat  `json:"chat"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}
