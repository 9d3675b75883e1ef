package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordContribution(t *testing.T) {
	ContributionsTotal.Reset()

	RecordContribution(KindNonce, "")
	RecordContribution(KindNonce, "")
	RecordContribution(KindNonce, "DuplicateContribution")

	assert.Equal(t, 2.0, testutil.ToFloat64(ContributionsTotal.WithLabelValues(KindNonce, OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ContributionsTotal.WithLabelValues(KindNonce, "DuplicateContribution")))
	assert.Equal(t, 2, testutil.CollectAndCount(ContributionsTotal))
}
