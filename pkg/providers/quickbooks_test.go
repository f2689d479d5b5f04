package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docFrom(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestExtractQueryShape(t *testing.T) {
	doc := docFrom(t, `{"QueryResponse":{"Customer":[{"Id":"1","DisplayName":"Acme"},{"Id":"2","DisplayName":"Widgets"}]}}`)
	items, err := extract(doc, "Customer")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestExtractSingleEntityShape(t *testing.T) {
	doc := docFrom(t, `{"Customer":{"Id":"1","DisplayName":"Acme"},"time":"2026-01-01"}`)
	items, err := extract(doc, "Customer")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var cust Customer
	require.NoError(t, decodeInto(items[0], &cust))
	assert.Equal(t, "Acme", cust.DisplayName)
}

func TestExtractEmptyQueryResponse(t *testing.T) {
	doc := docFrom(t, `{"QueryResponse":{},"time":"2026-01-01"}`)
	items, err := extract(doc, "Customer")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestIsAuthFault(t *testing.T) {
	assert.True(t, isAuthFault([]byte(`{"Fault":{"Error":[{"code":"3200","Message":"message=AuthenticationFailed"}]}}`)))
	assert.False(t, isAuthFault([]byte(`{"Fault":{"Error":[{"code":"610"}]}}`)))
	assert.False(t, isAuthFault([]byte(`not json`)))
}
