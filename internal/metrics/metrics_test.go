package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(packetsTotal.WithLabelValues("out", "polling"))
	IncPacketOut("polling", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(packetsTotal.WithLabelValues("out", "polling")))

	before = testutil.ToFloat64(closesTotal.WithLabelValues("ping timeout"))
	IncClose("ping timeout")
	assert.Equal(t, before+1, testutil.ToFloat64(closesTotal.WithLabelValues("ping timeout")))

	before = testutil.ToFloat64(serverSessions)
	AddServerSessions(1)
	AddServerSessions(-1)
	assert.Equal(t, before, testutil.ToFloat64(serverSessions))
}
