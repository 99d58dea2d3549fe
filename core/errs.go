package core

import "errors"

var (
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrInvalidCadence     = errors.New("invalid cadence")
	ErrNoSnapshot         = errors.New("no listing snapshot available")
	ErrAutomationNotFound = errors.New("automation not found")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrDeliveryFailed     = errors.New("delivery failed")
)
