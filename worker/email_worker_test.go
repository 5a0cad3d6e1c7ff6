package worker

import (
	"errors"
	"testing"

	"github.com/coldpath/sequencer/gmail"
)

type fakeStatusError struct{ code int }

func (e *fakeStatusError) Error() string      { return "status error" }
func (e *fakeStatusError) HTTPStatusCode() int { return e.code }

func TestIsUnauthorized_TrueForTokenExpired(t *testing.T) {
	if !isUnauthorized(gmail.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired to be unauthorized")
	}
}

func TestIsUnauthorized_TrueFor401StatusError(t *testing.T) {
	if !isUnauthorized(&fakeStatusError{code: 401}) {
		t.Fatalf("expected 401 status error to be unauthorized")
	}
}

func TestIsUnauthorized_FalseForOtherStatusCodes(t *testing.T) {
	if isUnauthorized(&fakeStatusError{code: 500}) {
		t.Fatalf("expected 500 status error not to be unauthorized")
	}
}

func TestIsUnauthorized_FalseForNil(t *testing.T) {
	if isUnauthorized(nil) {
		t.Fatalf("expected nil error not to be unauthorized")
	}
}

func TestIsUnauthorized_FalseForUnrelatedError(t *testing.T) {
	if isUnauthorized(errors.New("boom")) {
		t.Fatalf("expected unrelated error not to be unauthorized")
	}
}
