package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoarse(t *testing.T) {
	assert.Equal(t, CoarseText, TypeText.Coarse())
	assert.Equal(t, CoarseAudio, TypeAudio.Coarse())
	assert.Equal(t, CoarseAudio, TypePTT.Coarse())
	assert.Equal(t, CoarseImage, TypeSticker.Coarse())
	assert.Equal(t, CoarseImage, TypeImage.Coarse())
	assert.Equal(t, CoarseVideo, TypeVideo.Coarse())
	assert.Equal(t, CoarseDocument, TypeDocument.Coarse())
	assert.Equal(t, CoarseLocation, TypeLocation.Coarse())
	assert.Equal(t, CoarseContact, TypeContact.Coarse())
}

func TestMessageTypeValidAndMedia(t *testing.T) {
	assert.True(t, TypePTT.Valid())
	assert.False(t, MessageType("poll").Valid())

	assert.True(t, TypeSticker.IsMedia())
	assert.True(t, TypeDocument.IsMedia())
	assert.False(t, TypeText.IsMedia())
	assert.False(t, TypeLocation.IsMedia())
}

func TestSessionAIBlocked(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := &Session{}
	assert.False(t, s.AIBlocked(now))

	until := now.Add(time.Hour)
	s.AIBlockedUntil = &until
	assert.True(t, s.AIBlocked(now))
	assert.False(t, s.AIBlocked(now.Add(2*time.Hour)))
}
