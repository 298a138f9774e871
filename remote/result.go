package remote

import (
	"fmt"
	"net/http"
)

// Outcome classifies a response by status code; non-2xx is a value, never an
// error path.
type Outcome uint8

const (
	OutcomeNetworkFailure Outcome = 0
	OutcomeSuccess        Outcome = 1
	OutcomeRedirect       Outcome = 2
	OutcomeClientError    Outcome = 3
	OutcomeServerError    Outcome = 4
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNetworkFailure:
		return "Network Failure"
	case OutcomeSuccess:
		return "Success"
	case OutcomeRedirect:
		return "Redirect"
	case OutcomeClientError:
		return "Client Error"
	case OutcomeServerError:
		return "Server Error"
	default:
		return "Unknown Outcome"
	}
}

func OutcomeOf(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode >= 300 && statusCode < 400:
		return OutcomeRedirect
	case statusCode >= 400 && statusCode < 500:
		return OutcomeClientError
	case statusCode >= 500 && statusCode < 600:
		return OutcomeServerError
	default:
		return OutcomeNetworkFailure
	}
}

type Result struct {
	StatusCode int // 0 when no response was received
	Body       []byte
	Outcome    Outcome
	Err        error // transport error behind OutcomeNetworkFailure
}

func (r *Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Transient outcomes are worth retrying.
func (r *Result) Transient() bool {
	return r.Outcome == OutcomeServerError || r.Outcome == OutcomeNetworkFailure
}

func (r *Result) String() string {
	if r.Outcome == OutcomeNetworkFailure {
		return fmt.Sprintf("{outcome=%s err=%v}", r.Outcome, r.Err)
	}
	return fmt.Sprintf("{outcome=%s status=%d %s body=%dB}", r.Outcome, r.StatusCode, http.StatusText(r.StatusCode), len(r.Body))
}
