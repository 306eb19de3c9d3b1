package service

import (
	"testing"
	"time"
)

func TestFormatInterval(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{15 * time.Minute, "15m"},
		{time.Hour, "1H"},
		{4 * time.Hour, "4H"},
		{24 * time.Hour, "1D"},
		{48 * time.Hour, "2D"},
		{30 * time.Second, "30s"},
		{90 * time.Minute, "90m"},
	}
	for _, tc := range cases {
		if got := FormatInterval(tc.d); got != tc.want {
			t.Errorf("FormatInterval(%s) = %s, want %s", tc.d, got, tc.want)
		}
	}
}

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		s    string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"15m", 15 * time.Minute},
		{"1H", time.Hour},
		{"4h", 4 * time.Hour},
		{"1D", 24 * time.Hour},
		{"30s", 30 * time.Second},
	}
	for _, tc := range cases {
		got, err := ParseIntervalDuration(tc.s)
		if err != nil {
			t.Fatalf("ParseIntervalDuration(%s): %v", tc.s, err)
		}
		if got != tc.want {
			t.Errorf("ParseIntervalDuration(%s) = %s, want %s", tc.s, got, tc.want)
		}
	}
}

func TestParseIntervalDurationRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "m", "15", "0m", "-5m", "15x", "fifteenm"} {
		if _, err := ParseIntervalDuration(s); err == nil {
			t.Errorf("ParseIntervalDuration(%q): expected an error", s)
		}
	}
}

func TestIntervalRoundTrip(t *testing.T) {
	for _, s := range []string{"1m", "15m", "1H", "4H", "1D"} {
		d, err := ParseIntervalDuration(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if got := FormatInterval(d); got != s {
			t.Errorf("round trip %s -> %s", s, got)
		}
	}
}

func TestStringConversions(t *testing.T) {
	f, err := StringToFloat("65000.5")
	if err != nil || f != 65000.5 {
		t.Fatalf("StringToFloat = %v, %v", f, err)
	}
	i, err := StringToInt64("-100123456789")
	if err != nil || i != -100123456789 {
		t.Fatalf("StringToInt64 = %v, %v", i, err)
	}
	if _, err := StringToFloat("abc"); err == nil {
		t.Fatal("StringToFloat(abc): expected an error")
	}
}
