package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"masterflow/api/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *Error
	}{
		{name: "missing row", err: sql.ErrNoRows, want: ErrNotFound},
		{name: "wrapped missing row", err: fmt.Errorf("get document: %w", sql.ErrNoRows), want: ErrNotFound},
		{name: "lock timeout", err: store.ErrLockTimeout, want: ErrConflict},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrUnavailable},
		{name: "io failure", err: errors.New("dial tcp: connection refused"), want: ErrUnavailable},
		{name: "already classified", err: validationError("NOT_OWNER", "nope", nil), want: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err, "document")
			if !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want kind %s", tc.err, got, tc.want.Kind)
			}
		})
	}

	if classify(nil, "document") != nil {
		t.Fatal("expected nil to stay nil")
	}
}

func TestErrorMatchesByKindAndOptionalCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", validationError("OUT_OF_ORDER", "wait", nil))
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected kind match")
	}
	if !errors.Is(err, &Error{Kind: KindValidation, Code: "OUT_OF_ORDER"}) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, &Error{Kind: KindValidation, Code: "NOT_OWNER"}) {
		t.Fatal("expected code mismatch")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("expected kind mismatch")
	}

	unavailable := classify(errors.New("boom"), "document")
	if !errors.Is(unavailable, unavailable.(*Error).Err) {
		t.Fatal("expected the store error to stay reachable through Unwrap")
	}
}
