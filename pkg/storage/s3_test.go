package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestS3(t *testing.T, expireMinutes int) *S3 {
	t.Helper()
	s, err := NewS3(context.Background(), S3Config{
		Region:               "us-east-1",
		AccessKeyID:          "AKIDEXAMPLE",
		SecretAccessKey:      "secret",
		MediaBucket:          "media",
		PresignExpireMinutes: expireMinutes,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestPlaybackURL_SignsOffline(t *testing.T) {
	s := newTestS3(t, 30)

	url, err := s.PlaybackURL(context.Background(), "shows/ep1.mp4")
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "shows/ep1.mp4"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=1800")
}

func TestPlaybackURL_EmptyKey(t *testing.T) {
	_, err := newTestS3(t, 0).PlaybackURL(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestPresignExpire_Default(t *testing.T) {
	assert.Equal(t, 15*time.Minute, newTestS3(t, 0).PresignExpire())
}
