package idgen_test

import (
	"regexp"
	"testing"

	"github.com/snehjoshi/messagehub/internal/idgen"
)

func TestInstance_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^inst-[a-z0-9]{12}$`)
	for i := 0; i < 100; i++ {
		id, err := idgen.Instance()
		if err != nil {
			t.Fatalf("Instance() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Instance() = %q, does not match %s", id, pattern)
		}
	}
}

func TestInstance_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := idgen.Instance()
		if err != nil {
			t.Fatalf("Instance() error: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d iterations", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestWithPrefix(t *testing.T) {
	id, err := idgen.WithPrefix("x-")
	if err != nil {
		t.Fatalf("WithPrefix: %v", err)
	}
	if len(id) != len("x-")+12 || id[:2] != "x-" {
		t.Errorf("WithPrefix = %q", id)
	}
}
