package posting

import (
	"testing"
	"time"

	"adbot/internal/delivery"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		outcome delivery.Outcome
		kind    ActionKind
		record  delivery.Result
	}{
		{"rate limited", delivery.RateLimited(time.Minute, "flood"), ActionRetry, delivery.ResultTransient},
		{"transient", delivery.Transient("timeout"), ActionRetry, delivery.ResultTransient},
		{"permission denied", delivery.PermissionDenied("not a member"), ActionSkipDestination, delivery.ResultSkipped},
		{"banned", delivery.Banned("kicked"), ActionBanWorker, delivery.ResultBanned},
		{"fatal", delivery.Fatal("auth revoked"), ActionDisableWorker, delivery.ResultDisabled},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.outcome)
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Record != tt.record {
				t.Fatalf("Record = %s, want %s", got.Record, tt.record)
			}
		})
	}
}

func TestClassifyPropagatesRetryHint(t *testing.T) {
	t.Parallel()
	act := Classify(delivery.RateLimited(42*time.Second, "flood"))
	if act.RetryAfter != 42*time.Second {
		t.Fatalf("RetryAfter = %v, want 42s", act.RetryAfter)
	}
}

func TestClassifyUnknownStatusIsTransient(t *testing.T) {
	t.Parallel()
	act := Classify(delivery.Outcome{Status: delivery.Status(99)})
	if act.Kind != ActionRetry {
		t.Fatalf("unknown status must classify as retry, got %v", act.Kind)
	}
}
