package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itbft/pkg/consensus/events"
)

func TestRecorderCountsEvents(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.RecordMessage(1, events.MessageInbound, "Echo", nil)
	r.RecordMessage(1, events.MessageInbound, "Echo", nil)
	r.RecordMessage(1, events.MessageOutbound, "Key1", nil)
	r.RecordTransition(1, events.StateEchoed, events.StateKey1, "key1_quorum")
	r.RecordEvent(1, events.EventViewChange, events.EventPayload{"from": int64(0), "view": int64(3)})
	r.RecordEvent(1, events.EventValueDecided, events.EventPayload{"value": "A"})
	r.RecordEvent(1, events.EventAbortSent, events.EventPayload{"view": int64(2)})
	r.RecordEvent(1, events.EventMessageRejected, nil)
	r.RecordEvent(1, events.EventStorageRollback, nil)
	r.RecordEvent(1, events.EventBatchFlushed, events.EventPayload{"peers": 3, "size": 6})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.messages.WithLabelValues("inbound", "Echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messages.WithLabelValues("outbound", "Key1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("key1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.viewChanges))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.currentView))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.aborts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rollbacks))
	assert.Equal(t, 1, testutil.CollectAndCount(r.batchSize))
}

func TestRecorderIgnoresMalformedPayloads(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.RecordEvent(1, events.EventViewChange, events.EventPayload{"view": "three"})
	r.RecordEvent(1, events.EventProposalCreated, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.viewChanges))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.currentView))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.RecordEvent(1, events.EventValueDecided, nil)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "itbft_decisions_total 1"))
}
