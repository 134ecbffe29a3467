package utils

import (
	"testing"

	"github.com/apex/log/handlers/cli"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name    string
		v       string
		w       string
		want    int
		wantErr bool
	}{
		{"equal", "17.0", "17.0", 0, false},
		{"equal padded", "17", "17.0.0", 0, false},
		{"numeric not lexical", "2.10", "2.9", 1, false},
		{"less", "2.9", "2.10", -1, false},
		{"patch", "16.4.1", "16.4", 1, false},
		{"major", "16.7", "17.0", -1, false},
		{"not numeric", "seventeen", "17.0", 0, true},
		{"prerelease", "17.0-beta", "17.0", 0, true},
		{"empty", "17.0", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareVersions(tt.v, tt.w)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompareVersions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CompareVersions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIndent(t *testing.T) {
	var padding []int
	f := func(string) { padding = append(padding, cli.Default.Padding) }

	Indent(f, 2)("nested")
	Indent(f, 3)("deeper")

	want := []int{normalPadding * 2, normalPadding * 3}
	if len(padding) != len(want) {
		t.Fatalf("logged %d lines, want %d", len(padding), len(want))
	}
	for i := range want {
		if padding[i] != want[i] {
			t.Errorf("line %d padding = %d, want %d", i, padding[i], want[i])
		}
	}
	if cli.Default.Padding != normalPadding {
		t.Errorf("padding not restored: %d", cli.Default.Padding)
	}
}
