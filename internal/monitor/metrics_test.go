package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsExposed(t *testing.T) {
	m := NewTest()
	m.DepositsCredited.Inc()
	m.MatchesCreated.WithLabelValues("house").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DepositsCredited))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatchesCreated.WithLabelValues("house")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "coinflip_deposits_credited_total 1"))
	assert.Contains(t, body, `coinflip_matches_created_total{path="house"} 2`)
}

func TestSeparateRegistries(t *testing.T) {
	// 两个实例互不冲突
	a := NewTest()
	b := NewTest()
	a.CommissionTotal.Add(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CommissionTotal))
}
