package agent

import "fmt"

// ErrorKind classifies turn failures for propagation policy and logging.
type ErrorKind string

const (
	ErrAdmission ErrorKind = "admission"
	ErrLease     ErrorKind = "lease"
	ErrBackend   ErrorKind = "backend"
	ErrEmbedding ErrorKind = "embedding"
	ErrRecall    ErrorKind = "recall"
	ErrAssembly  ErrorKind = "assembly"
	ErrLLM       ErrorKind = "llm"
	ErrTokenize  ErrorKind = "tokenize"
	ErrTimeout   ErrorKind = "timeout"
	ErrConfig    ErrorKind = "config"
	ErrInternal  ErrorKind = "internal"
)

// OutcomeKind is the terminal state of one turn.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
)

// Outcome is the result of one turn. Text is the user-visible reply on
// success or the templated failure text otherwise; no partial assistant
// output leaks on failure.
type Outcome struct {
	Kind        OutcomeKind
	Text        string
	ErrorKind   ErrorKind
	Err         error
	TimeoutSecs int
}

// Succeeded builds a success outcome.
func Succeeded(text string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Text: text}
}

// Failed builds a classified failure outcome with a concise user-visible
// reason.
func Failed(kind ErrorKind, err error) Outcome {
	return Outcome{
		Kind:      OutcomeFailed,
		Text:      fmt.Sprintf("Request failed (%s). Please try again.", kind),
		ErrorKind: kind,
		Err:       err,
	}
}

// TimedOut builds the timeout outcome with its deadline echoed. The text is
// templated and stable.
func TimedOut(timeoutSecs int) Outcome {
	return Outcome{
		Kind:        OutcomeTimedOut,
		Text:        fmt.Sprintf("Request timed out after %ds. Use /bg <prompt> for long-running tasks.", timeoutSecs),
		ErrorKind:   ErrTimeout,
		TimeoutSecs: timeoutSecs,
	}
}
