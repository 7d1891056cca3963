package models

import "errors"

// ValidationError ошибка входных данных, текст показывается пользователю
type ValidationError struct {
	Field   string
	Message string
	// Err причина для errors.Is, может быть nil
	Err error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создает ошибку валидации поля
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError проверяет, является ли err ошибкой валидации
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
