package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("invalid input")
	// ErrRequiresUpgrade signals the free-tier ceiling was reached. Nothing was written.
	ErrRequiresUpgrade = errors.New("upgrade required")
	// ErrGeneration marks a failed call to the generation backend.
	ErrGeneration = errors.New("generation failed")
	// ErrTryAgain is the generic signal for a failed moderation report.
	ErrTryAgain = errors.New("please try again")
	// ErrSendInProgress rejects a send while another one is running on the same chat.
	ErrSendInProgress = errors.New("a message is already being sent")
	// ErrSessionClosed rejects operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrMessageNotFound is returned when a message is not part of the session.
	ErrMessageNotFound = errors.New("message not found")
)

// ValidationError carries a user-facing description of rejected input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SendStep names the stage of the send pipeline that failed.
type SendStep string

const (
	StepCreateChat             SendStep = "create_chat"
	StepAppendUserMessage      SendStep = "append_user_message"
	StepGenerate               SendStep = "generate"
	StepAppendAssistantMessage SendStep = "append_assistant_message"
)

// SendError reports a transport failure at one step of a send.
type SendError struct {
	Step SendStep
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed at %s: %v", e.Step, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
