package identity

// Anonymous is the namespace used when no user is signed in, so downloads
// made pre-login survive without bleeding into a real account.
const Anonymous = "anonymous"

// Provider yields the identity downloads are namespaced under.
type Provider interface {
	CurrentUserID() string
}

// Static is a Provider with a fixed user id, suitable for a single-user
// device agent. An empty id maps to the anonymous namespace.
type Static struct {
	UserID string
}

func (s *Static) CurrentUserID() string {
	if s == nil || s.UserID == "" {
		return Anonymous
	}

	return s.UserID
}

// Normalize maps an absent user id to the anonymous namespace.
func Normalize(userID string) string {
	if userID == "" {
		return Anonymous
	}

	return userID
}
