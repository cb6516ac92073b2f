package conversation

import "errors"

var (
	ErrNotFound     = errors.New("разговор не найден")
	ErrEmptyMessage = errors.New("пустое сообщение")
	ErrInvalidRole  = errors.New("недопустимая роль сообщения")
)
