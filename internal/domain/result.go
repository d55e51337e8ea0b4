package domain

import "fmt"

// Outcome classifies the result of a direct send.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeUnknownChat
	OutcomeFailed
)

const (
	sentPhrase        = "Message was sent"
	unknownChatPhrase = "Unknown chat name"
)

// Result is what a direct send reports back to its caller.
type Result struct {
	Outcome Outcome
	Detail  string
}

func Sent() Result        { return Result{Outcome: OutcomeSent} }
func UnknownChat() Result { return Result{Outcome: OutcomeUnknownChat} }

// Failed wraps err into a descriptive failure result.
func Failed(err error) Result {
	return Result{
		Outcome: OutcomeFailed,
		Detail:  fmt.Sprintf("Error occurred while bot tried to send message, details: %v", err),
	}
}

// String returns the plain-text phrase shown to HTTP callers.
func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSent:
		return sentPhrase
	case OutcomeUnknownChat:
		return unknownChatPhrase
	default:
		return r.Detail
	}
}
