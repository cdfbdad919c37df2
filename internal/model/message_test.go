package model_test

import (
	"testing"
	"time"

	"github.com/teshager/medscrape/internal/model"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "username with at sign",
			input:    "@CheMed123",
			expected: "chemed123",
		},
		{
			name:     "dashes become underscores",
			input:    "@lobelia-cosmetics",
			expected: "lobelia_cosmetics",
		},
		{
			name:     "mixed case without at sign",
			input:    "BusinessInfoEth",
			expected: "businessinfoeth",
		},
		{
			name:     "special characters stripped",
			input:    "@some channel!?",
			expected: "somechannel",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := model.Slugify(tc.input); got != tc.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected time.Time
		ok       bool
	}{
		{
			name:     "rfc3339",
			input:    "2024-03-01T10:30:00Z",
			expected: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:     "rfc3339 with offset",
			input:    "2024-03-01T13:30:00+03:00",
			expected: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:     "date only",
			input:    "2024-03-01",
			expected: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:     "space separated",
			input:    "2024-03-01 10:30:00",
			expected: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
			ok:       true,
		},
		{
			name:  "garbled",
			input: "not-a-date",
			ok:    false,
		},
		{
			name:  "empty",
			input: "",
			ok:    false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := model.ParseDate(tc.input)
			if ok != tc.ok {
				t.Fatalf("ParseDate(%q) ok = %v, want %v", tc.input, ok, tc.ok)
			}
			if ok && !got.Equal(tc.expected) {
				t.Errorf("ParseDate(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}
