// Package brokererr defines the error kinds from spec §7. Each carries
// enough context to format a single structured log line; none of them
// are meant to be compared with errors.Is across package boundaries —
// callers switch on Kind.
package brokererr

import "fmt"

// Kind classifies an error by how it must be handled, per spec §7.
type Kind string

const (
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
	KindPolicy    Kind = "policy"
	KindResource  Kind = "resource"
	KindConfig    Kind = "config"
)

// DisconnectReason is attached to Transport errors and to
// socket-state-changed events.
type DisconnectReason string

const (
	ReasonNone                 DisconnectReason = "none"
	ReasonManual               DisconnectReason = "manual"
	ReasonCouldNotConnect      DisconnectReason = "could_not_connect"
	ReasonServerDisconnected   DisconnectReason = "server_disconnected"
	ReasonServerNotResponding  DisconnectReason = "server_not_responding"
	ReasonException            DisconnectReason = "exception"
)

// Error is the concrete error type for all five kinds.
type Error struct {
	Kind      Kind
	Component string
	Reason    DisconnectReason
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s[%s]: %s (reason=%s)", e.Kind, e.Component, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Transport(component string, reason DisconnectReason, err error) *Error {
	msg := reason
	if err != nil {
		return &Error{Kind: KindTransport, Component: component, Reason: reason, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindTransport, Component: component, Reason: reason, Message: string(msg)}
}

func Protocol(component, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Component: component, Message: message, Err: err}
}

func Policy(component, message string) *Error {
	return &Error{Kind: KindPolicy, Component: component, Message: message}
}

func Resource(component, message string, err error) *Error {
	return &Error{Kind: KindResource, Component: component, Message: message, Err: err}
}

func Config(component, message string, err error) *Error {
	return &Error{Kind: KindConfig, Component: component, Message: message, Err: err}
}
