package fetcher

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPage struct {
	Success bool             `json:"success"`
	Records []map[string]any `json:"records"`
}

func TestDecodeJSONObject_KeepsNumberText(t *testing.T) {
	input := `{"success":true,"records":[{"Lat":42.35120000,"_id":7}]}`
	page, err := DecodeJSONObject[testPage](strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, page.Success)
	require.Len(t, page.Records, 1)
	assert.Equal(t, json.Number("42.35120000"), page.Records[0]["Lat"])
	assert.Equal(t, json.Number("7"), page.Records[0]["_id"])
}

func TestDecodeJSONObject_Invalid(t *testing.T) {
	_, err := DecodeJSONObject[testPage](strings.NewReader(`{"success":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json: decode object")
}
