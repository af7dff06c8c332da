package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateTenantQueryBoundsSeriesByRowCount(t *testing.T) {
	q := createTenantQuery("master_bot")

	// The free-ordinal search must scan at most count+1 candidates. An
	// unbounded series makes every insert materialize the full ceiling,
	// which in key-prefix mode is ~2^30 rows.
	assert.Contains(t, q, "LEAST($11::int, (SELECT count(*) FROM master_bot.tenants))")
	assert.Contains(t, q, "NOT IN (SELECT cache_partition FROM master_bot.tenants)")
	assert.Contains(t, q, "ORDER BY i")
}
