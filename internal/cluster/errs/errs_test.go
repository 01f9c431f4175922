package errs

import (
	"errors"
	"testing"
)

func TestWrapReturnsNilForNilError(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("expected Wrap(nil) to return nil")
	}
}

func TestWrapIsRetryableViaErrorsAs(t *testing.T) {
	err := Wrap(errors.New("boom"))
	var re Retryable
	if !errors.As(err, &re) {
		t.Fatal("expected errors.As to unwrap a Retryable")
	}
	if re.Error() != "retryable: boom" {
		t.Errorf("unexpected message: %q", re.Error())
	}
}
