package detection

import (
	"context"
	"errors"
	"net"
)

// Kind classifies a detection failure.
type Kind int

const (
	KindNotConfigured Kind = iota + 1
	KindAuthenticationRejected
	KindNetworkFailure
	KindTimeout
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindNotConfigured:
		return "not_configured"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	case KindNetworkFailure:
		return "network_failure"
	case KindTimeout:
		return "timeout"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinels matched by errors.Is against a *Failure of the same kind.
var (
	ErrNotConfigured          = errors.New("detection not configured")
	ErrAuthenticationRejected = errors.New("detection service rejected the credentials")
	ErrNetworkFailure         = errors.New("detection service unreachable")
	ErrTimeout                = errors.New("detection request timed out")
	ErrMalformedResponse      = errors.New("malformed detection response")
)

var kindSentinels = map[Kind]error{
	KindNotConfigured:          ErrNotConfigured,
	KindAuthenticationRejected: ErrAuthenticationRejected,
	KindNetworkFailure:         ErrNetworkFailure,
	KindTimeout:                ErrTimeout,
	KindMalformedResponse:      ErrMalformedResponse,
}

// Failure is the error returned by Detect.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	base := kindSentinels[f.Kind]
	if base == nil {
		base = errors.New("detection failed")
	}
	if f.Err == nil {
		return base.Error()
	}
	return base.Error() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrTimeout) and friends work.
func (f *Failure) Is(target error) bool {
	return kindSentinels[f.Kind] == target
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf returns the failure kind of err, or 0 if err is not a *Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// asFailure classifies arbitrary transport errors.
func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fail(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fail(KindTimeout, err)
	}
	return fail(KindNetworkFailure, err)
}
