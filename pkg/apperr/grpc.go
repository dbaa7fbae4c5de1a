package apperr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[Kind]codes.Code{
	NotFound:          codes.NotFound,
	Conflict:          codes.FailedPrecondition,
	InsufficientStock: codes.ResourceExhausted,
	ResourceBusy:      codes.Aborted,
	GatewayError:      codes.Internal,
	ValidationError:   codes.InvalidArgument,
	Unavailable:       codes.Unavailable,
	Internal:          codes.Unknown,
}

// ToStatus converts err into a gRPC status error. The kind travels in the
// message prefix so the client can restore it exactly.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Unknown
	}
	return status.Error(code, string(kind)+"|"+Message(err))
}

// FromStatus restores an *Error from a gRPC status error.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Wrap(Unavailable, op, err)
	}
	kind, msg := splitKind(st.Message())
	if kind == "" {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			kind = Unavailable
		default:
			kind = kindForCode(st.Code())
		}
	}
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func kindForCode(c codes.Code) Kind {
	for k, code := range kindCodes {
		if code == c && k != Internal {
			return k
		}
	}
	return Internal
}

func splitKind(s string) (Kind, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			k := Kind(s[:i])
			if _, ok := kindCodes[k]; ok {
				return k, s[i+1:]
			}
			break
		}
	}
	return "", s
}
