package chaterrors

import "errors"

// KindOf extracts the Kind from a tagged error, or "" when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf extracts the Code from a tagged error, or "" when err is untagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// FatalToSession reports whether an error must terminate the session.
// Rate-limit rejections are the only non-fatal protocol violation: the
// offending envelope is dropped and the sender informed.
func FatalToSession(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindRate
}
