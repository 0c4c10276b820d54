package app

import "fmt"

// DomainError is an error with a fixed HTTP mapping. Err, when set, is the
// underlying cause; it is logged but never sent to clients.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func wrapDomainError(err error, status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Err: err}
}
