package chat

import (
	"errors"
	"log"
	"net/http"

	chatService "github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// Error codes returned alongside the message.
const (
	CodeValidation      = "invalid_input"
	CodeRequiresUpgrade = "requires_upgrade"
	CodeSendInProgress  = "send_in_progress"
	CodeNotFound        = "not_found"
	CodeTryAgain        = "try_again"
	CodeTransport       = "transport_error"
)

const connectionMessage = "check your connection and try again"

// Classify maps an engine error to a status code and a client-safe body.
// Transport details are logged, never returned.
func Classify(err error) (int, utils.ErrorBody) {
	var validationErr *chatService.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, utils.ErrorBody{Error: validationErr.Message, Code: CodeValidation}
	case errors.Is(err, chatService.ErrRequiresUpgrade):
		return http.StatusPaymentRequired, utils.ErrorBody{Error: "upgrade required", Code: CodeRequiresUpgrade}
	case errors.Is(err, chatService.ErrSendInProgress):
		return http.StatusConflict, utils.ErrorBody{Error: err.Error(), Code: CodeSendInProgress}
	case errors.Is(err, chatService.ErrMessageNotFound):
		return http.StatusNotFound, utils.ErrorBody{Error: err.Error(), Code: CodeNotFound}
	case errors.Is(err, chatService.ErrTryAgain):
		return http.StatusServiceUnavailable, utils.ErrorBody{Error: chatService.ErrTryAgain.Error(), Code: CodeTryAgain}
	}

	body := utils.ErrorBody{Error: connectionMessage, Code: CodeTransport}
	var sendErr *chatService.SendError
	if errors.As(err, &sendErr) {
		body.Code = string(sendErr.Step)
	}
	return http.StatusBadGateway, body
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := Classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[chat] %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	utils.RespondJSON(w, status, body)
}
