package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	assert.Equal(t, "512 B", Bytes(512))
	assert.Equal(t, "1.00 KB", Bytes(1024))
	assert.Equal(t, "1.50 MB", Bytes(1536*1024))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "500ms", Duration(500*time.Millisecond))
	assert.Equal(t, "42s", Duration(42*time.Second))
	assert.Equal(t, "2m5s", Duration(125*time.Second))
	assert.Equal(t, "1h1m5s", Duration(time.Hour+65*time.Second))
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "never", TimeAgo(time.Time{}))
	assert.Contains(t, TimeAgo(time.Now().Add(-2*time.Minute)), "ago")
}

func TestTimeDuration(t *testing.T) {
	assert.Equal(t, "5s", TimeDuration(5*time.Second))
	assert.Equal(t, "30s", TimeDuration(30*time.Second))
	assert.Equal(t, "3m", TimeDuration(3*time.Minute))
	assert.Equal(t, "2h", TimeDuration(2*time.Hour))
	assert.Equal(t, "3d", TimeDuration(72*time.Hour))
}
