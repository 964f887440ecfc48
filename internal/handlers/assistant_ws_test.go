package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-dev/drydock/internal/models"
)

func TestPongEventsAnswerHeartbeat(t *testing.T) {
	events := pongEvents(false)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventPong, events[0].Type)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, models.EventStatus, events[1].Type)
	assert.Equal(t, models.ActivityIdle, events[1].Status)

	events = pongEvents(true)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventPong, events[0].Type)
	assert.Equal(t, models.ActivityThinking, events[1].Status)
}
