package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]ProfileStatus]bool{
		{StatusPending, StatusRecording}:    true,
		{StatusPending, StatusProcessing}:   true,
		{StatusRecording, StatusProcessing}: true,
		{StatusProcessing, StatusTraining}:  true,
		{StatusProcessing, StatusFailed}:    true,
		{StatusTraining, StatusReady}:       true,
		{StatusTraining, StatusFailed}:      true,
		{StatusFailed, StatusProcessing}:    true,
	}
	for _, from := range AllStatuses {
		if from != StatusArchived {
			allowed[[2]ProfileStatus{from, StatusArchived}] = true
		}
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]ProfileStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.AcceptsRecordings())
	assert.True(t, StatusRecording.AcceptsRecordings())
	assert.False(t, StatusProcessing.AcceptsRecordings())
	assert.False(t, StatusFailed.AcceptsRecordings())

	assert.True(t, StatusFailed.CanRequestTraining())
	assert.False(t, StatusTraining.CanRequestTraining())
	assert.False(t, StatusReady.CanRequestTraining())

	_, err := ParseProfileStatus("deleted")
	assert.Error(t, err)
	s, err := ParseProfileStatus("ready")
	assert.NoError(t, err)
	assert.True(t, s.Terminal())
}
