package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCents(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  int
	}{
		{"zero", Usage{}, 0},
		{"haiku only round up", Usage{HaikuIn: 1000, HaikuOut: 500}, 1},
		{"exact cent boundary", Usage{HaikuIn: 10000}, 1},
		{"one over boundary", Usage{HaikuIn: 10001}, 2},
		{"mixed tiers", Usage{HaikuIn: 100_000, HaikuOut: 20_000, SonnetIn: 50_000, SonnetOut: 10_000}, 50},
		{"sonnet output heavy", Usage{SonnetOut: 1_000_000}, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.usage.Cents())
		})
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{HaikuIn: 10, HaikuOut: 20}
	u.Add(Usage{HaikuIn: 5, SonnetIn: 7, SonnetOut: 3})

	assert.Equal(t, int64(15), u.HaikuIn)
	assert.Equal(t, int64(20), u.HaikuOut)
	assert.Equal(t, int64(22), u.TotalIn())
	assert.Equal(t, int64(23), u.TotalOut())
}
