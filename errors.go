package kv

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the failure class of an Error. The set is closed: every failure
// crossing the Store boundary is exactly one of these.
type Kind uint8

const (
	KindInexistentItem Kind = iota + 1
	KindInvalidData
	KindStoreError
)

func (k Kind) String() string {
	switch k {
	case KindInexistentItem:
		return "inexistent-item"
	case KindInvalidData:
		return "invalid-data"
	case KindStoreError:
		return "store-error"
	default:
		return "unknown"
	}
}

func parseKind(reason string) (Kind, bool) {
	switch reason {
	case "inexistent-item":
		return KindInexistentItem, true
	case "invalid-data":
		return KindInvalidData, true
	case "store-error":
		return KindStoreError, true
	default:
		return 0, false
	}
}

var (
	ErrInexistentItem = &Error{Kind: KindInexistentItem}
	ErrInvalidData    = &Error{Kind: KindInvalidData}
	ErrStoreError     = &Error{Kind: KindStoreError}
)

// Error is the only error type returned by Store operations. Detail and Err
// carry diagnostics; callers should branch on Kind (or errors.Is against the
// sentinels) and nothing else.
type Error struct {
	Kind   Kind
	Key    string
	Detail string
	Err    error
}

// InexistentItem reports that key is not present.
func InexistentItem(key string, detail ...string) *Error {
	e := &Error{Kind: KindInexistentItem, Key: key}
	if len(detail) > 0 {
		e.Detail = detail[0]
	}
	return e
}

// InvalidData reports a payload that was retrieved but could not be decoded.
func InvalidData(err error) *Error {
	return &Error{Kind: KindInvalidData, Detail: detailOf(err), Err: err}
}

// StoreError reports any other backend failure.
func StoreError(err error) *Error {
	return &Error{Kind: KindStoreError, Detail: detailOf(err), Err: err}
}

// StoreErrorf is a shorthand for StoreError(fmt.Errorf(...)).
func StoreErrorf(format string, args ...any) *Error {
	return StoreError(fmt.Errorf(format, args...))
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Detail != "":
		return fmt.Sprintf("kv: %s %q: %s", e.Kind, e.Key, e.Detail)
	case e.Key != "":
		return fmt.Sprintf("kv: %s %q", e.Kind, e.Key)
	case e.Detail != "":
		return fmt.Sprintf("kv: %s: %s", e.Kind, e.Detail)
	default:
		return "kv: " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrInexistentItem)
// works regardless of key or detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

type wireError struct {
	Reason string `json:"reason"`
	Key    string `json:"key,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{
		Reason: e.Kind.String(),
		Key:    e.Key,
		Detail: e.Detail,
	})
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := parseKind(w.Reason)
	if !ok {
		return fmt.Errorf("kv: unknown error reason %q", w.Reason)
	}
	e.Kind = kind
	e.Key = w.Key
	e.Detail = w.Detail
	e.Err = nil
	return nil
}

// KindOf returns the Kind of err. Errors that are not *Error are reported as
// KindStoreError; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreError
}

// IsInexistent reports whether err is an InexistentItem failure.
func IsInexistent(err error) bool {
	return KindOf(err) == KindInexistentItem
}

// Wrap translates err into the closed taxonomy. An *Error anywhere in the
// chain is returned as is; anything else becomes a StoreError.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return StoreError(err)
}
