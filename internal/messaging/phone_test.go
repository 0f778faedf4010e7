package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"mobile with formatting", "(31) 99876-5432", "5531998765432"},
		{"landline", "3133334444", "553133334444"},
		{"already has country code", "5531998765432", "5531998765432"},
		{"plus prefix", "+55 31 99876-5432", "5531998765432"},
		{"short number gets prefix", "5533", "555533"},
		{"letters only", "sem telefone", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeNumber(tt.input))
		})
	}
}

func TestSplitNumbers(t *testing.T) {
	got := SplitNumbers("(31) 99876-5432; 3133334444, 31 99876-5432")
	assert.Equal(t, []string{"5531998765432", "553133334444"}, got)
}

func TestSplitNumbersEmptyCells(t *testing.T) {
	assert.Empty(t, SplitNumbers(";"))
	assert.Empty(t, SplitNumbers(""))
	assert.Empty(t, SplitNumbers("n/d; -"))
}
