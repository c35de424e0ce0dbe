package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("sample uuid=2edb0100-022a-468c-a7cc-d3e066206d59 major=1 minor=2 rssi=-67 tx_power=-59")
	require.NoError(t, err)
	assert.Equal(t, "sample", fields.Kind)
	assert.Equal(t, "2edb0100-022a-468c-a7cc-d3e066206d59", fields.UUID)
	assert.Equal(t, "-67", fields.RSSI)
	assert.Equal(t, "-59", fields.TxPower)

	fields, err = p.ParseLine("enter region=home")
	require.NoError(t, err)
	assert.Equal(t, "enter", fields.Kind)
	assert.Equal(t, "home", fields.RegionID)
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("ts,event,rssi,uuid,major,minor")
	require.NoError(t, err)
	assert.Nil(t, fields)

	fields, err = p.ParseLine("1760000000123,sample,-70,2edb0100-022a-468c-a7cc-d3e066206d59,4,5")
	require.NoError(t, err)
	assert.Equal(t, "1760000000123", fields.Timestamp)
	assert.Equal(t, "-70", fields.RSSI)
	assert.Equal(t, "5", fields.Minor)
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("1760000000123,sample,2edb0100-022a-468c-a7cc-d3e066206d59,1,2,-61,1.5,-59")
	require.NoError(t, err)
	assert.Equal(t, "sample", fields.Kind)
	assert.Equal(t, "1", fields.Major)
	assert.Equal(t, "2", fields.Minor)
	assert.Equal(t, "-61", fields.RSSI)
	assert.Equal(t, "1.5", fields.Distance)
	assert.Equal(t, "-59", fields.TxPower)
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`{"kind":"sample","time_ms":1760000000123,"beacon":{"proximityUUID":"2edb0100-022a-468c-a7cc-d3e066206d59","major":1,"minor":2,"rssi":-60,"accuracy":0.8}}`)
	require.NoError(t, err)
	assert.Equal(t, "sample", fields.Kind)
	assert.Equal(t, "1760000000123", fields.Timestamp)
	assert.Equal(t, "2edb0100-022a-468c-a7cc-d3e066206d59", fields.UUID)
	assert.Equal(t, "-60", fields.RSSI)
	assert.Equal(t, "0.8", fields.Distance)
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	assert.NoError(t, err)
	assert.Nil(t, fields)
}
