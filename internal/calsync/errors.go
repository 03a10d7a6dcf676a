package calsync

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateBinding   = errors.New("display name already bound")
	ErrDuplicateRemoteUID = errors.New("remote uid already tracked")
	ErrBadMapping         = errors.New("invalid column mapping")
	ErrNotImplemented     = errors.New("not implemented")
)
