package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoTokenFound   = errors.New("no token found for user")
	ErrUserNotFound   = errors.New("user not found")
	ErrItemNotFound   = errors.New("work item not found")
	ErrTokenNotFound  = errors.New("token document not found")
	ErrImportCooldown = errors.New("history import cooldown is still active")
	ErrWindowTooOld   = errors.New("requested import window predates the provider lookback limit")
)

// ErrorKind is the normalized failure class. All retry and dead-letter policy
// decisions are made on a kind, never by inspecting status codes or message
// substrings at the decision site.
type ErrorKind int

const (
	// KindTransient covers network blips, 5xx responses and unavailable
	// backends. Standard retry increment, credentials are never touched.
	KindTransient ErrorKind = iota
	// KindAuthorization covers HTTP 401 and invalid_grant style rejections.
	KindAuthorization
	// KindPermanent covers provider rejections strongly correlated with
	// permanent failure, such as a malformed request the provider will never
	// accept. Retried with a large increment so the item reaches the
	// dead-letter threshold quickly.
	KindPermanent
	// KindUsageLimit means the destination has no room for more data. Large
	// increment too, but the condition may resolve itself before abandonment.
	KindUsageLimit
	// KindNoToken and KindUserNotFound dead-letter immediately; retrying
	// cannot help without user action.
	KindNoToken
	KindUserNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindPermanent:
		return "permanent"
	case KindUsageLimit:
		return "usage_limit"
	case KindNoToken:
		return "no_token"
	case KindUserNotFound:
		return "user_not_found"
	default:
		return "transient"
	}
}

// SyncError is a provider or store failure tagged with its normalized kind.
type SyncError struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError tags err with a kind and the HTTP status that produced it.
func NewSyncError(kind ErrorKind, statusCode int, op string, err error) *SyncError {
	return &SyncError{Kind: kind, StatusCode: statusCode, Op: op, Err: err}
}

// ClassifyError maps an arbitrary error to its ErrorKind. Unknown errors are
// treated as transient, the cheapest wrong answer.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNoTokenFound), errors.Is(err, ErrTokenNotFound):
		return KindNoToken
	case errors.Is(err, ErrUserNotFound):
		return KindUserNotFound
	}
	return KindTransient
}

// KindForStatus maps a provider HTTP response status to an ErrorKind.
// 400 carrying an invalidated-grant indicator is authorization class, any
// other 400 is a malformed request the provider will keep rejecting.
func KindForStatus(status int, body string) ErrorKind {
	switch {
	case status == 401:
		return KindAuthorization
	case status == 400 && strings.Contains(body, "invalid_grant"):
		return KindAuthorization
	case status == 400 || status == 413:
		return KindPermanent
	case status == 403 || status == 429:
		return KindUsageLimit
	default:
		return KindTransient
	}
}

// RetryIncrementFor returns the retry-count step for a failure of the given
// kind. Large steps reach the dead-letter threshold faster without a separate
// give-up transition.
func RetryIncrementFor(kind ErrorKind) int {
	switch kind {
	case KindPermanent, KindUsageLimit:
		return 20
	default:
		return 1
	}
}
