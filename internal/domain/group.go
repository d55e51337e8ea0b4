package domain

// Group is a destination chat discovered from incoming updates.
// Name is the chat title at discovery time and acts as the key.
type Group struct {
	Name string `json:"GroupName" yaml:"GroupName"`
	ID   int64  `json:"GroupID" yaml:"GroupID"`
}

// Cursor is the persisted polling position.
type Cursor struct {
	LastMessageID    int `json:"LastMessageID"`
	LastUpdateOffset int `json:"LastUpdateOffset"`
}

// SendRequest is a decoded {message, chatName} payload.
type SendRequest struct {
	Message  string
	ChatName string
}
