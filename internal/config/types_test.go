package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "300", want: 300 * time.Second},
		{in: "0", want: 0},
		{in: "-1s", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_Marshal(t *testing.T) {
	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	for _, out := range []string{
		s.String(),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprintf("%+v", struct{ Key Secret }{s}),
	} {
		assert.NotContains(t, out, "hunter2")
	}

	js, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(js))

	var back struct {
		Key Secret `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"key":"abc"}`), &back))
	assert.Equal(t, "abc", back.Key.Value())

	assert.Empty(t, Secret("").String())
	assert.False(t, Secret("").IsSet())
}
