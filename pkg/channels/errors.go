package channels

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("hub session not connected")
	ErrSessionClosed  = errors.New("hub session closed")
	ErrConnectionLost = errors.New("hub connection lost before completion")
)

// ConnectError reports that the channel could not be established, or that it
// dropped and every reconnect attempt failed.
type ConnectError struct {
	URL       string
	Permanent bool
	Cause     error
}

func (e *ConnectError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("hub %s: connection lost permanently: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("hub %s: connect failed: %v", e.URL, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// IdentifierError reports a failed connection id request on a live channel.
type IdentifierError struct {
	Method string
	Cause  error
}

func (e *IdentifierError) Error() string {
	return fmt.Sprintf("request connection id via %s: %v", e.Method, e.Cause)
}

func (e *IdentifierError) Unwrap() error { return e.Cause }

// HubError is an error string returned by the server in a completion.
type HubError struct {
	Target  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Target, e.Message)
}

// serverClose is the Close message the server sends before hanging up.
type serverClose struct {
	Message        string
	AllowReconnect bool
}

func (e *serverClose) Error() string {
	if e.Message == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Message
}
