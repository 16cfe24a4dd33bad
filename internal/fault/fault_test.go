package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()

	base := New(ToolNotFound, "locate", "dism.exe not found")
	wrapped := fmt.Errorf("preflight: %w", base)

	if got := KindOf(wrapped); got != ToolNotFound {
		t.Fatalf("KindOf = %q, want %q", got, ToolNotFound)
	}
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatalf("plain errors should be Unknown")
	}
}

func TestIsWalksNestedFaults(t *testing.T) {
	t.Parallel()

	inner := New(ProcessTimeout, "dism", "exceeded 1m0s")
	outer := Wrap(ProcessFailure, "unmount", inner)

	if !Is(outer, ProcessTimeout) {
		t.Fatalf("expected nested timeout to be detected")
	}
	if !Is(outer, ProcessFailure) {
		t.Fatalf("expected outer kind to be detected")
	}
	if Is(outer, Permission) {
		t.Fatalf("unexpected permission kind")
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if Wrap(Configuration, "op", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := Wrapf(AssetMissing, "media", errors.New("stat failed"), "%s", "Boot/etfsboot.com")
	want := "media: asset_missing: Boot/etfsboot.com: stat failed"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsSearchesJoinedBranches(t *testing.T) {
	t.Parallel()

	joined := errors.Join(New(ProcessFailure, "copype", "exit code 1"), fmt.Errorf("legacy: %w", New(AssetMissing, "acquire", "no base image")))
	outer := Wrap(Configuration, "acquire", joined)

	if !Is(outer, AssetMissing) {
		t.Fatalf("expected second branch to be searched")
	}
	if !Is(outer, ProcessFailure) {
		t.Fatalf("expected first branch to be searched")
	}
}
