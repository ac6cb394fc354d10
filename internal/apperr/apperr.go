// Package apperr defines the error kinds surfaced by the session layer.
//
// Every error returned from a foreground operation matches exactly one kind
// via errors.Is, while still unwrapping to its underlying cause.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrTransport       = errors.New("transport error")
	ErrAuthFailure     = errors.New("authentication failed")
	ErrTimeout         = errors.New("connect timeout")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrConnectionLost  = errors.New("connection lost")
	ErrArgument        = errors.New("invalid argument")
	ErrNotExist        = errors.New("resource does not exist")
	ErrLimited         = errors.New("operation limited")
	ErrPermission      = errors.New("permission denied")
	ErrCompacted       = errors.New("revision compacted")
	ErrBackend         = errors.New("etcd error")
)

// Error pairs a kind sentinel with the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Argument builds an ErrArgument with a formatted message.
func Argument(format string, args ...any) error {
	return &Error{Kind: ErrArgument, Err: fmt.Errorf(format, args...)}
}

// LimitedError refuses an operation whose blast radius exceeds a safety cap.
type LimitedError struct {
	Count int64
	Limit int64
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("operation limited: affects %d keys, limit is %d", e.Count, e.Limit)
}

func (e *LimitedError) Is(target error) bool { return target == ErrLimited }

// kinds is ordered from most to least specific for KindOf.
var kinds = []error{
	ErrAuthFailure,
	ErrUnauthenticated,
	ErrPermission,
	ErrConnectionLost,
	ErrTimeout,
	ErrTransport,
	ErrArgument,
	ErrNotExist,
	ErrLimited,
	ErrCompacted,
	ErrBackend,
}

// KindOf returns the kind sentinel err matches, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Label is the short, stable name the UI uses to decide how to present err.
func Label(err error) string {
	switch KindOf(err) {
	case ErrAuthFailure:
		return "auth"
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrPermission:
		return "permission"
	case ErrConnectionLost:
		return "connection_lost"
	case ErrTimeout:
		return "timeout"
	case ErrTransport:
		return "transport"
	case ErrArgument:
		return "argument"
	case ErrNotExist:
		return "not_exist"
	case ErrLimited:
		return "limited"
	case ErrCompacted:
		return "compacted"
	default:
		return "backend"
	}
}

// IsUnauthenticated reports whether err means the etcd auth token expired or
// was rejected.
func IsUnauthenticated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, rpctypes.ErrInvalidAuthToken) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unauthenticated {
		return true
	}
	return rpctypes.Error(err) == rpctypes.ErrInvalidAuthToken
}

// FromEtcd classifies an error returned by the etcd client.
func FromEtcd(err error) error {
	if err == nil || KindOf(err) != nil {
		return err
	}
	if IsUnauthenticated(err) {
		return Wrap(ErrUnauthenticated, err)
	}

	switch rpctypes.Error(err) {
	case rpctypes.ErrAuthFailed:
		return Wrap(ErrAuthFailure, err)
	case rpctypes.ErrPermissionDenied, rpctypes.ErrRootUserNotExist, rpctypes.ErrRootRoleNotExist:
		return Wrap(ErrPermission, err)
	case rpctypes.ErrCompacted, rpctypes.ErrFutureRev:
		return Wrap(ErrCompacted, err)
	case rpctypes.ErrUserNotFound, rpctypes.ErrRoleNotFound, rpctypes.ErrLeaseNotFound,
		rpctypes.ErrMemberNotFound, rpctypes.ErrRoleNotGranted, rpctypes.ErrPermissionNotGranted:
		return Wrap(ErrNotExist, err)
	case rpctypes.ErrEmptyKey, rpctypes.ErrKeyNotFound, rpctypes.ErrValueProvided,
		rpctypes.ErrUserEmpty, rpctypes.ErrRoleEmpty, rpctypes.ErrUserAlreadyExist,
		rpctypes.ErrRoleAlreadyExist, rpctypes.ErrMemberExist, rpctypes.ErrPeerURLExist,
		rpctypes.ErrTooManyOps, rpctypes.ErrDuplicateKey, rpctypes.ErrRequestTooLarge,
		rpctypes.ErrAuthNotEnabled:
		return Wrap(ErrArgument, err)
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.PermissionDenied:
			return Wrap(ErrPermission, err)
		case codes.Unavailable:
			return Wrap(ErrTransport, err)
		case codes.DeadlineExceeded:
			return Wrap(ErrTimeout, err)
		case codes.NotFound:
			return Wrap(ErrNotExist, err)
		case codes.InvalidArgument, codes.OutOfRange:
			return Wrap(ErrArgument, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Wrap(ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(ErrTransport, err)
	}
	return Wrap(ErrBackend, err)
}
