package directory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/document-engine/directory"
	"github.com/warp/document-engine/document"
)

const sample = `{
  "products": [
    {"id": "p1", "name": "Steel bracket", "code": "SB-1", "unit_price": "120.00"},
    {"id": "p2", "name": "Hinge", "code": "HG-2", "unit_price": "45.5"}
  ],
  "counterparties": [
    {"id": "cust-1", "name": "Acme", "kind": "customer"},
    {"id": "vend-1", "name": "Bolt Supply", "kind": "vendor"}
  ]
}`

func TestLoad_ResolvesProductsAndCounterparties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	ctx := context.Background()

	d, err := directory.Load(path)
	require.NoError(t, err)

	p, err := d.ResolveProduct(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "Hinge", p.Name)
	assert.Equal(t, "45.5", p.UnitPriceHint.String())

	_, err = d.ResolveProduct(ctx, "p9")
	assert.ErrorIs(t, err, document.ErrNotFound)

	ok, err := d.Exists(ctx, "vend-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParse_RejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]string{
		"malformed":          `{"products": [`,
		"missing id":         `{"products": [{"name": "x"}]}`,
		"duplicate product":  `{"products": [{"id": "p1"}, {"id": "p1"}]}`,
		"negative price":     `{"products": [{"id": "p1", "unit_price": "-1"}]}`,
		"unknown kind":       `{"counterparties": [{"id": "c1", "kind": "partner"}]}`,
		"duplicate customer": `{"counterparties": [{"id": "c1"}, {"id": "c1"}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := directory.Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestDemo_IsUsable(t *testing.T) {
	d := directory.Demo()

	assert.NotEmpty(t, d.Products())
	assert.Len(t, d.Counterparties(), 3)
	ok, _ := d.Exists(context.Background(), "cust-acme")
	assert.True(t, ok)
}
