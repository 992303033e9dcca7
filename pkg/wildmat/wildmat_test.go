package wildmat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchString(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       Result
	}{
		{"", "*", Match},
		{"12345", "*", Match},
		{"abc", "ab?", Match},
		{"ab", "ab?", WouldMatch},
		{"abx", "ab[cd]", NoMatch},
		{"abc", "ab[cd]", Match},
		{"abc", "ab[^x]", Match},
		{"abx", "ab[^x]", NoMatch},
		{"abx", "ab[!x]", NoMatch},
		{"12", "123", WouldMatch},
		{"124", "123", NoMatch},
		{"1234", "123", NoMatch},
		{"123", "123", Match},
		{"", "", Match},
		{"1", "", NoMatch},
		{"", "5", WouldMatch},
		{"5551234", "555*", Match},
		{"55", "555*", WouldMatch},
		{"4561234", "555*", NoMatch},
		{"0301234", "0*4", Match},
		{"0301235", "0*4", WouldMatch},
		{"7", "[0-5]", NoMatch},
		{"3", "[0-5]", Match},
		{"", "[0-5]", WouldMatch},
		{"*1", `\*1`, Match},
		{"x1", `\*1`, NoMatch},
		{"12", "1[2", Match},
	}

	for _, tt := range tests {
		t.Run(tt.s+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchString(tt.s, tt.pattern))
		})
	}
}

func TestAny(t *testing.T) {
	assert.Equal(t, NoMatch, Any("123", nil))
	assert.Equal(t, Match, Any("123", []string{"9*", "12?"}))
	assert.Equal(t, WouldMatch, Any("12", []string{"9*", "123"}))
	assert.Equal(t, NoMatch, Any("44", []string{"9*", "123"}))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "match", Match.String())
	assert.Equal(t, "would-match", WouldMatch.String())
	assert.Equal(t, "no-match", NoMatch.String())
}
