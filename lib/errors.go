package lib

import "github.com/pkg/errors"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNoFreePort     = errors.New("no free port")
	ErrPortOutOfRange = errors.New("port out of range")
	ErrConnClosed     = errors.New("connection closed")
	ErrCoreClosed     = errors.New("protocol core closed")
	ErrConnectTimeout = errors.New("connect timed out")
)
