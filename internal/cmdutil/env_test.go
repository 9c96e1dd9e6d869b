package cmdutil

import "testing"

func TestEnvStringFallback(t *testing.T) {
	t.Setenv("CMDCHAT_TEST_STR", "  ")
	if got := EnvString("CMDCHAT_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("CMDCHAT_TEST_STR", " value ")
	if got := EnvString("CMDCHAT_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("CMDCHAT_TEST_INT", "nope")
	if _, err := EnvInt("CMDCHAT_TEST_INT", 7); err == nil {
		t.Fatal("expected parse error")
	}
	t.Setenv("CMDCHAT_TEST_INT", "")
	v, err := EnvInt("CMDCHAT_TEST_INT", 7)
	if err != nil || v != 7 {
		t.Fatalf("expected fallback 7, got %d err=%v", v, err)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("CMDCHAT_TEST_BOOL", "true")
	v, err := EnvBool("CMDCHAT_TEST_BOOL", false)
	if err != nil || !v {
		t.Fatalf("expected true, got %v err=%v", v, err)
	}
}

func TestSplitCSVEnv(t *testing.T) {
	t.Setenv("CMDCHAT_TEST_CSV", " a, ,b ,, c")
	got := SplitCSVEnv("CMDCHAT_TEST_CSV")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
