package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calbot/internal/model"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"-PT15M", -15 * time.Minute, false},
		{"PT0S", 0, false},
		{"+PT5M", 5 * time.Minute, false},
		{"-P1D", -24 * time.Hour, false},
		{"P1W", 7 * 24 * time.Hour, false},
		{"-P1DT2H30M", -(26*time.Hour + 30*time.Minute), false},
		{"pt1h", time.Hour, false},
		{"", 0, true},
		{"P", 0, true},
		{"-P", 0, true},
		{"PT", 0, true},
		{"15M", 0, true},
		{"PT1.5H", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriggerFromValue(t *testing.T) {
	trig, err := triggerFromValue("-PT10M", false, false)
	require.NoError(t, err)
	assert.Equal(t, model.BeforeStart(10*time.Minute), trig)

	trig, err = triggerFromValue("PT0S", false, true)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerAfterStart, trig.Kind)
	assert.True(t, trig.FromEnd)

	trig, err = triggerFromValue("20240101T090000Z", true, false)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerAbsolute, trig.Kind)
	assert.True(t, trig.At.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))

	_, err = triggerFromValue("soon", false, false)
	assert.Error(t, err)
}
