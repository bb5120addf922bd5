package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "join", raw: `{"type":"join","carpoolId":"r1"}`, want: TypeJoin},
		{name: "chat missing fields", raw: `{"type":"chat"}`, want: TypeChat},
		{name: "unknown", raw: `{"type":"typing"}`, want: "typing"},
		{name: "not json", raw: `hello`, want: ""},
		{name: "array", raw: `["join"]`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PeekType([]byte(tt.raw)))
		})
	}
}
