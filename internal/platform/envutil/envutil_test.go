package envutil

import (
	"testing"
	"time"
)

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ENVUTIL_INT", "abc")
	if got := Int("ENVUTIL_INT", 7); got != 7 {
		t.Fatalf("Int: want=7 got=%d", got)
	}
	t.Setenv("ENVUTIL_INT", " 12 ")
	if got := Int("ENVUTIL_INT", 7); got != 12 {
		t.Fatalf("Int: want=12 got=%d", got)
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{"": true, "off": false, "YES": true, "0": false, "maybe": true}
	for raw, want := range cases {
		t.Setenv("ENVUTIL_BOOL", raw)
		if got := Bool("ENVUTIL_BOOL", true); got != want {
			t.Fatalf("Bool(%q): want=%v got=%v", raw, want, got)
		}
	}
}

func TestSecondsClampsNegative(t *testing.T) {
	t.Setenv("ENVUTIL_SECONDS", "-4")
	if got := Seconds("ENVUTIL_SECONDS", time.Minute); got != 0 {
		t.Fatalf("Seconds: want=0 got=%s", got)
	}
	t.Setenv("ENVUTIL_SECONDS", "90")
	if got := Seconds("ENVUTIL_SECONDS", time.Minute); got != 90*time.Second {
		t.Fatalf("Seconds: want=90s got=%s", got)
	}
}

func TestDurationAndFloat(t *testing.T) {
	t.Setenv("ENVUTIL_DURATION", "1m30s")
	if got := Duration("ENVUTIL_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("Duration: want=90s got=%s", got)
	}
	t.Setenv("ENVUTIL_FLOAT", "0.25")
	if got := Float("ENVUTIL_FLOAT", 1); got != 0.25 {
		t.Fatalf("Float: want=0.25 got=%v", got)
	}
}
