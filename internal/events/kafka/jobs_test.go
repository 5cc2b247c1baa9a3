package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sheikh-saqib/karma-ledger/internal/logging"
)

func TestJobQueueWriterDoesNotLinger(t *testing.T) {
	q := NewJobQueue([]string{"localhost:9092"}, "karma.jobs", "karma-recompute", logging.Discard())
	t.Cleanup(func() { q.Close() })

	assert.LessOrEqual(t, q.writer.BatchTimeout, 10*time.Millisecond)
	assert.Positive(t, q.writer.BatchTimeout)
	assert.Equal(t, "karma.jobs", q.writer.Topic)
}
