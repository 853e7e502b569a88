// Package delivery talks to the external single-message providers.
//
// Implementations report provider-side failures through Result and reserve
// the error return for transport problems. Neither path retries; the caller
// owns retry and pacing policy.
package delivery

// Result is the outcome of one delivery attempt
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful result with the given reason
func Failed(reason string) Result {
	return Result{Success: false, Error: reason}
}

// Delivered builds a successful result
func Delivered() Result {
	return Result{Success: true}
}
