package handlegc

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := Error{Code: ObjectNotFound, Class: "F", Id: "h1"}
	if got := e.Error(); !strings.Contains(got, "ObjectNotFound") || !strings.Contains(got, "F:h1") {
		t.Errorf("Error() = %q, want code and handle coordinates", got)
	}

	e = Error{Code: InvalidRefCount, Class: "F", Id: "h1", Value: -1}
	if got := e.Error(); !strings.Contains(got, "refcount: -1") {
		t.Errorf("Error() = %q, want the observed refcount", got)
	}

	inner := errors.New("boom")
	e = Error{Code: DestructorFailed, Class: "F", Id: "h1", Err: inner}
	if got := e.Error(); !strings.Contains(got, "boom") {
		t.Errorf("Error() = %q, want wrapped details", got)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is does not reach the wrapped error")
	}
}

func TestErrorCodeString(t *testing.T) {
	codes := map[ErrorCode]string{
		Unknown:             "Unknown",
		ObjectNotFound:      "ObjectNotFound",
		InvalidRefCount:     "InvalidRefCount",
		DependencyNotFound:  "DependencyNotFound",
		FailedObjectRemoval: "FailedObjectRemoval",
		DestructorFailed:    "DestructorFailed",
		ErrorCode(99):       "Unknown",
	}
	for code, want := range codes {
		if got := code.String(); got != want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestHandleKeyString(t *testing.T) {
	if got := NewHandleKey("F", "h1").String(); got != "F:h1" {
		t.Errorf("String() = %q, want F:h1", got)
	}
	if got := NewHandleKey("buf", 42).String(); got != "buf:42" {
		t.Errorf("String() = %q, want buf:42", got)
	}
}
