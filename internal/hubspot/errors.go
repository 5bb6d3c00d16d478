package hubspot

import "fmt"

// =============================================================================
// ERROR TYPES
// =============================================================================

// AuthError reports a failed token exchange. Without a bearer token no API
// call can proceed, so callers must abort the whole run.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
}

// ApiError reports a request that ended on a non-success status, either
// because the status is not retryable or because the retry budget ran out.
type ApiError struct {
	Status    int
	Path      string
	Body      string
	Exhausted bool
}

func (e *ApiError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("request failed after retries: status %d on %s: %s", e.Status, e.Path, e.Body)
	}
	return fmt.Sprintf("request failed: status %d on %s: %s", e.Status, e.Path, e.Body)
}

// IsRateLimited returns true if the upstream throttled the request.
func (e *ApiError) IsRateLimited() bool {
	return e.Status == 429
}

// IsServerError returns true if the upstream failed server-side.
func (e *ApiError) IsServerError() bool {
	return e.Status >= 500
}

// PaginationOverrunError reports a cursor walk that exceeded the page bound
// or saw the same cursor twice.
type PaginationOverrunError struct {
	Path   string
	Pages  int
	Cursor string
}

func (e *PaginationOverrunError) Error() string {
	if e.Cursor != "" {
		return fmt.Sprintf("pagination overrun on %s: cursor %q repeated after %d pages", e.Path, e.Cursor, e.Pages)
	}
	return fmt.Sprintf("pagination overrun on %s: exceeded %d pages", e.Path, e.Pages)
}

// retryableStatus reports whether a response status qualifies for retry.
func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
