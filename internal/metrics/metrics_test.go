package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMustRegisterAndUpdate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("dxlbroker_test")
	m.MustRegister(reg)

	m.Connections.Set(3)
	m.TenantDisconnects.WithLabelValues("tenantA").Inc()
	m.MaintenanceTicks.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family after registration")
	}
}
