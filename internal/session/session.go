package session

// Session carries the signed-in user's identity. It is created once at
// startup from config (auth token exchange is handled outside this daemon)
// and threaded explicitly through every repository call; there is no
// ambient "current user" global.
type Session struct {
	UserID      string
	DisplayName string
}

// New creates a session for the given user.
func New(userID, displayName string) *Session {
	return &Session{UserID: userID, DisplayName: displayName}
}
