package utils

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQueryList(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"", nil},
		{"type=REGION", []string{"REGION"}},
		{"type=REGION,%20DISTRICT", []string{"REGION", "DISTRICT"}},
		{"type=REGION&type=DISTRICT", []string{"REGION", "DISTRICT"}},
		{"type=COUNTRY,REGION&type=DISTRICT", []string{"COUNTRY", "REGION", "DISTRICT"}},
		{"type=,%20,", nil},
		{"other=REGION", nil},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, ParseQueryList(q, "type"), tt.query)
	}
}
