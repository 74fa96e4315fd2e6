package models

import "errors"

var (
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrConflictData       = errors.New("data conflicts with existing data")
	ErrDataNotFound       = errors.New("data not found")
	ErrSendFailed         = errors.New("order send failed")
	ErrInvalidOrder       = errors.New("invalid order payload")
	ErrInternalError      = errors.New("internal error")
)
