package session

import (
	"fmt"
	"regexp"
)

var userIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateUserID checks that id is a plausible remote user id. The id is
// opaque to this daemon but it is embedded in document paths and compound
// cache keys, so separator characters are rejected.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
