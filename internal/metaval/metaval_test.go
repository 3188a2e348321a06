package metaval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []string{`"hello"`, `42`, `true`, `null`, `[1,2,"x"]`, `{"a":1,"b":"c"}`}
	for _, raw := range cases {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(raw), &v))
		out, err := json.Marshal(v)
		require.NoError(t, err)
		var want, got interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &want))
		require.NoError(t, json.Unmarshal(out, &got))
		require.Equal(t, want, got)
	}
}

func TestTypedAccessors(t *testing.T) {
	s, ok := String("x").AsString()
	require.True(t, ok)
	require.Equal(t, "x", s)

	_, ok = String("x").AsNumber()
	require.False(t, ok)

	n, ok := Number(3.5).AsNumber()
	require.True(t, ok)
	require.Equal(t, 3.5, n)
}

func TestUnknownKeysTolerated(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"known":1,"mystery_field_v2":{"nested":true}}`), &v))
	m, ok := v.AsMap()
	require.True(t, ok)
	require.Contains(t, m, "mystery_field_v2")
}
