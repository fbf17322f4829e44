package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStar(t *testing.T) {
	cases := []struct {
		p    float64
		want string
	}{
		{0, "***"},
		{0.0009999, "***"},
		{0.001, "**"},
		{0.0099, "**"},
		{0.01, "*"},
		{0.0499, "*"},
		{0.05, "ns"},
		{0.5, "ns"},
		{1, "ns"},
		{math.NaN(), "ns"},
		{math.Inf(1), "ns"},
		{math.Inf(-1), "***"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Star(tc.p), "Star(%v)", tc.p)
	}
}

func TestStar_AlwaysOneOfFourLabels(t *testing.T) {
	valid := map[string]bool{ThreeStars: true, TwoStars: true, OneStar: true, NotSig: true}
	for p := -0.01; p <= 1.01; p += 0.0005 {
		assert.True(t, valid[Star(p)], "Star(%v) = %q", p, Star(p))
	}
}
