package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("hubsync: request timed out")
	ErrRemoteFailure     = errors.New("hubsync: remote failure")
	ErrTypeMismatch      = errors.New("hubsync: payload type mismatch")
	ErrCancelled         = errors.New("hubsync: session closed while request pending")
	ErrModuleNotFound    = errors.New("hubsync: module not found")
	ErrRegisterNotFound  = errors.New("hubsync: register not found")
	ErrObjectNotFound    = errors.New("hubsync: object not found")
	ErrDuplicateIdentity = errors.New("hubsync: identity already online")
	ErrVersionDrift      = errors.New("hubsync: equal versions with different payloads")
	ErrClosed            = errors.New("hubsync: binding closed")
	ErrNodeOffline       = errors.New("hubsync: node not online")
)

// ParseError is a malformed inbound frame. It is logged and dropped, never
// raised to the application and never closes the channel.
type ParseError struct {
	Frame  []byte
	Reason string
}

func (e *ParseError) Error() string {
	if len(e.Frame) > 64 {
		return fmt.Sprintf("parse frame %q...: %s", e.Frame[:64], e.Reason)
	}
	return fmt.Sprintf("parse frame %q: %s", e.Frame, e.Reason)
}

// RemoteError is a reply that carried an err string.
type RemoteError struct {
	Target string
	Field  string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s/%s: remote failure: %s", e.Target, e.Field, e.Msg)
}

// Is makes errors.Is(err, ErrRemoteFailure) hold for every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteFailure
}
