package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"presencewatch/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s,]+)`)

// positionalColumns is the column order of header-less CSV lines.
var positionalColumns = []string{"time_ms", "kind", "uuid", "major", "minor", "rssi", "distance", "tx_power"}

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts JSON objects, CSV rows and key=value text. A CSV header
// row returns nil fields and no error.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = trim
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = trim
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = trim
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.EventFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) (*normalize.EventFields, error) {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		assignField(fields, match[1], match[2])
	}
	if fields.Kind == "" {
		// "enter region=home" style: the first bare token names the event.
		if tokens := strings.Fields(line); len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.Kind = tokens[0]
		}
	}
	return fields, nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = positionalColumns
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for i, name := range header {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "timestamp", "time", "time_ms", "ts", "kind", "event", "uuid", "major", "minor", "rssi", "state":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.EventFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "time_ms", "ts":
		fields.Timestamp = value
	case "kind", "event", "type":
		fields.Kind = value
	case "region", "region_id", "identifier":
		fields.RegionID = value
	case "state", "region_state":
		fields.State = value
	case "uuid", "proximity_uuid", "proximityuuid":
		fields.UUID = value
	case "major":
		fields.Major = value
	case "minor":
		fields.Minor = value
	case "rssi":
		fields.RSSI = value
	case "distance", "accuracy":
		fields.Distance = value
	case "tx_power", "txpower", "measured_power", "tx":
		fields.TxPower = value
	default:
		if fields.Extras != nil {
			fields.Extras[name] = value
		}
	}
}
