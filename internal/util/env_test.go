package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("TP_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("TP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TP_TEST_INT", " 42 ")
	if got := ParseIntEnv("TP_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("TP_TEST_INT", "forty")
	if got := ParseIntEnv("TP_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("TP_TEST_FLOAT", "0.25")
	if got := ParseFloatEnv("TP_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("ParseFloatEnv = %v, want 0.25", got)
	}
	t.Setenv("TP_TEST_FLOAT", "")
	if got := ParseFloatEnv("TP_TEST_FLOAT", 1); got != 1 {
		t.Errorf("ParseFloatEnv unset = %v, want default 1", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TP_TEST_STR", "  ")
	if got := GetEnv("TP_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("GetEnv blank = %q", got)
	}
	t.Setenv("TP_TEST_STR", "value")
	if got := GetEnv("TP_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
}
