package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatassistant/internal/assistants"
	"chatassistant/internal/chatgpt"
	"chatassistant/internal/conversation"
	"chatassistant/internal/faqs"
	"chatassistant/internal/products"
	"chatassistant/internal/telegram"

	"github.com/sirupsen/logrus"
)

const maxRequestBodySize = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Reply string `json:"reply,omitempty"`
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Слишком большое тело запроса")
		} else {
			writeError(w, http.StatusBadRequest, "Некорректное тело запроса")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("Ошибка записи JSON ответа: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps service errors to HTTP statuses. Chat endpoints pass
// withReply so that failed turns still carry a text to show the user.
func writeDomainError(w http.ResponseWriter, err error, withReply bool) {
	var ce *chatgpt.CompletionError
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, assistants.ErrNotFound),
		errors.Is(err, assistants.ErrFunctionNotFound),
		errors.Is(err, telegram.ErrBotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrInvalidRole),
		errors.Is(err, assistants.ErrInvalidFunction),
		errors.Is(err, faqs.ErrInvalidFAQ),
		errors.Is(err, products.ErrInvalidProduct),
		errors.Is(err, telegram.ErrInvalidToken):
		status = http.StatusBadRequest
	case errors.Is(err, assistants.ErrFunctionNameTaken),
		errors.Is(err, telegram.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.As(err, &ce):
		status = http.StatusBadGateway
	}

	resp := errorResponse{Error: err.Error()}
	if status >= http.StatusInternalServerError {
		logrus.Errorf("Ошибка обработки запроса: %v", err)
		if status == http.StatusInternalServerError {
			resp.Error = "Внутренняя ошибка сервера"
		}
		if withReply {
			resp.Reply = conversation.ApologyReply
		}
	}
	writeJSON(w, status, resp)
}
