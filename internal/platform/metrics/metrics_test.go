package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srdmetrics "srdwatch/internal/srd/metrics"
)

func TestNewRegistryServesRuntimeAndModuleMetrics(t *testing.T) {
	reg := NewRegistry()
	m := srdmetrics.NewWithRegistry(reg)
	m.IncrementCheck("ok")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["srdwatch_checks_total"])
}
