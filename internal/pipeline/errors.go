package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-radar/pkg/anthropic"
)

// ErrRunActive is returned when a run is requested while another extraction
// or clustering run is still in flight.
var ErrRunActive = eris.New("pipeline: another run is already active")

// Error type tags surfaced on fatal_error and item_done events.
const (
	errTypeAuth       = "auth_error"
	errTypeRateLimit  = "rate_limit"
	errTypeProcessing = "processing_error"
)

// apiFailure is a classified provider error. Fatal failures abort the run;
// everything else is recorded against the individual item.
type apiFailure struct {
	errType string
	message string
	fatal   bool
}

func classifyAPIError(err error) apiFailure {
	switch {
	case anthropic.IsAuthError(err):
		return apiFailure{
			errType: errTypeAuth,
			message: "API key invalid, check your ANTHROPIC_API_KEY",
			fatal:   true,
		}
	case anthropic.IsRateLimited(err):
		return apiFailure{
			errType: errTypeRateLimit,
			message: "rate limited, check your credit balance at console.anthropic.com",
			fatal:   true,
		}
	default:
		return apiFailure{
			errType: errTypeProcessing,
			message: err.Error(),
			fatal:   false,
		}
	}
}
