package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableTable(t *testing.T) {
	retryableClasses := []string{
		ClassNetworkTimeout, ClassUpstream5xx, ClassTCPReset,
		ClassRateLimited, ClassUpstreamInternal, ClassConflict,
	}
	for _, c := range retryableClasses {
		if !Retryable(c) {
			t.Errorf("%s should be retryable", c)
		}
	}

	permanentClasses := []string{
		ClassSchemaInvalid, ClassMissingField, ClassInvalidJSON,
		ClassAuthDenied, ClassPermissionDenied, ClassNotFoundPermanent,
		ClassContentPolicyReject, ClassInvariantViolation,
	}
	for _, c := range permanentClasses {
		if Retryable(c) {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestClassifyUnwrapsThroughWrapping(t *testing.T) {
	base := New(ClassRateLimited, errors.New("429")).WithRetryAfter(30 * time.Second)
	wrapped := fmt.Errorf("send to alice: %w", base)

	if got := Classify(wrapped); got != ClassRateLimited {
		t.Fatalf("Classify = %s, want %s", got, ClassRateLimited)
	}
	if got := RetryAfterHint(wrapped); got != 30*time.Second {
		t.Fatalf("RetryAfterHint = %s, want 30s", got)
	}
}

func TestClassifyDeadlineAndUnknown(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != ClassNetworkTimeout {
		t.Fatalf("deadline = %s, want %s", got, ClassNetworkTimeout)
	}
	if got := Classify(errors.New("mystery")); got != ClassInvariantViolation {
		t.Fatalf("unknown = %s, want %s", got, ClassInvariantViolation)
	}
}
