package publisher

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExpired is returned by a Transport when the session it was
	// given is no longer accepted by the remote API.
	ErrSessionExpired = errors.New("session expired")
	// ErrPublishFailed classifies a failed publish call.
	ErrPublishFailed = errors.New("publish failed")
	// ErrAuthExhausted classifies a publish that could not get a session
	// even after re-authenticating.
	ErrAuthExhausted = errors.New("authentication exhausted")
)

// Credentials used to open a session with the remote API.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is an authenticated session handle.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Result represents the result of a publish operation. ExternalID is set iff
// Success, ErrorDetail and Err iff not.
type Result struct {
	Success     bool          `json:"success"`
	ExternalID  string        `json:"external_id,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Err         error         `json:"-"`
	Duration    time.Duration `json:"duration"`
}

// Failure builds a failed Result of the given kind.
func Failure(kind error, detail string) Result {
	return Result{Success: false, ErrorDetail: detail, Err: kind}
}

// Transport is the raw external API. Implementations may fail in any way;
// the Gateway folds every failure into a Result.
type Transport interface {
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
	UploadPhoto(ctx context.Context, session *Session, artifactPath, caption string) (string, error)
	UploadStory(ctx context.Context, session *Session, artifactPath string) (string, error)
}

// Publisher is what the scheduler needs from the gateway.
type Publisher interface {
	EnsureAuthenticated(ctx context.Context) bool
	Publish(ctx context.Context, artifactPath, caption string) Result
	PublishStory(ctx context.Context, artifactPath string) Result
}
