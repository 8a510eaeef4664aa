package store

import "errors"

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoTicket        = errors.New("no ticket available")
)
