package setutil

import (
	"reflect"
	"testing"
)

func TestDuplicates(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{"none", []string{"a", "b", "c"}, nil},
		{"one pair", []string{"a", "b", "a"}, []string{"a"}},
		{"triple reported once", []string{"a", "a", "a"}, []string{"a"}},
		{"order is first seen", []string{"b", "a", "b", "a"}, []string{"b", "a"}},
		{"empty", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duplicates(tt.values); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Duplicates(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestMissing(t *testing.T) {
	allowed := []string{"id", "email", "created_at"}
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{"all present", []string{"id", "email"}, nil},
		{"one missing", []string{"id", "nickname"}, []string{"nickname"}},
		{"missing reported once", []string{"x", "x", "id"}, []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Missing(tt.values, allowed); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Missing(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{"b", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dedupe = %v, want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	if !Contains([]string{"a", "b"}, "b") {
		t.Error("expected b present")
	}
	if Contains(nil, "a") {
		t.Error("expected empty slice to contain nothing")
	}
}
