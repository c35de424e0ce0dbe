package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrMissingField = errors.New("missing field")
)

// EventFields is the loosely typed form every ingest source produces before
// normalization. Values are kept as text.
type EventFields struct {
	Timestamp string
	Kind      string
	RegionID  string
	State     string
	UUID      string
	Major     string
	Minor     string
	RSSI      string
	Distance  string
	TxPower   string
	Extras    map[string]string
	Raw       string
}

func Normalize(fields EventFields, cfg *config.Config) (model.Event, error) {
	kind, err := ParseKind(fields.Kind, fields)
	if err != nil {
		return model.Event{}, err
	}
	regionID := strings.TrimSpace(fields.RegionID)
	if regionID == "" && cfg != nil {
		regionID = cfg.Region.Identifier
	}
	ev := model.Event{Kind: kind, RegionID: regionID, Raw: fields.Raw}

	switch kind {
	case model.EventStateDetermined:
		inside, err := ParseInside(fields.State)
		if err != nil {
			return model.Event{}, err
		}
		ev.Inside = inside
	case model.EventSample:
		sample, err := normalizeSample(fields)
		if err != nil {
			return model.Event{}, err
		}
		ev.Sample = &sample
	}
	return ev, nil
}

func normalizeSample(fields EventFields) (model.BeaconSample, error) {
	id, err := UUID(fields.UUID)
	if err != nil {
		return model.BeaconSample{}, err
	}
	major, err := parseUint16(fields.Major, "major")
	if err != nil {
		return model.BeaconSample{}, err
	}
	minor, err := parseUint16(fields.Minor, "minor")
	if err != nil {
		return model.BeaconSample{}, err
	}
	if strings.TrimSpace(fields.RSSI) == "" {
		return model.BeaconSample{}, fmt.Errorf("rssi: %w", ErrMissingField)
	}
	rssi, err := parseInt(fields.RSSI)
	if err != nil {
		return model.BeaconSample{}, fmt.Errorf("parse rssi: %w", err)
	}
	txPower := 0
	if strings.TrimSpace(fields.TxPower) != "" {
		if txPower, err = parseInt(fields.TxPower); err != nil {
			return model.BeaconSample{}, fmt.Errorf("parse tx_power: %w", err)
		}
	}
	distance := -1.0
	if v := strings.TrimSpace(fields.Distance); v != "" {
		if distance, err = strconv.ParseFloat(v, 64); err != nil {
			return model.BeaconSample{}, fmt.Errorf("parse distance: %w", err)
		}
	} else {
		distance = EstimateDistance(rssi, txPower)
	}

	ts := time.Now().UnixMilli()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.BeaconSample{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UnixMilli()
	}
	return model.BeaconSample{
		Transmitter: model.TransmitterID{UUID: id, Major: major, Minor: minor},
		RSSI:        rssi,
		Distance:    distance,
		TxPower:     txPower,
		TimeMs:      ts,
	}, nil
}

// ParseKind maps the names used by the various gateways onto event kinds.
// An empty kind is inferred as a sample when ranging fields are present.
func ParseKind(kind string, fields EventFields) (model.EventKind, error) {
	n := strings.ToLower(strings.TrimSpace(kind))
	n = strings.ReplaceAll(n, "-", "_")
	switch n {
	case "enter", "enter_region", "didenterregion", "region_enter":
		return model.EventEnterRegion, nil
	case "exit", "exit_region", "didexitregion", "region_exit", "leave":
		return model.EventExitRegion, nil
	case "state", "state_determined", "diddeterminestate", "determine_state":
		return model.EventStateDetermined, nil
	case "sample", "ranging", "range", "beacon", "didrangebeacons":
		return model.EventSample, nil
	case "":
		if strings.TrimSpace(fields.UUID) != "" && strings.TrimSpace(fields.RSSI) != "" {
			return model.EventSample, nil
		}
		return "", fmt.Errorf("%w: empty", ErrUnknownKind)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func ParseInside(state string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "inside", "in", "1", "true", "yes", "enter":
		return true, nil
	case "outside", "out", "0", "false", "no", "exit", "unknown":
		return false, nil
	case "":
		return false, fmt.Errorf("state: %w", ErrMissingField)
	}
	return false, fmt.Errorf("unsupported region state: %q", state)
}

// UUID returns the canonical lower-case hyphenated form. Compact 32 digit
// hex and braced forms are accepted.
func UUID(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("uuid: %w", ErrMissingField)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse uuid: %w", err)
	}
	return id.String(), nil
}

// EstimateDistance approximates metres from RSSI using the AltBeacon curve
// fit. It returns -1 when either input is unknown.
func EstimateDistance(rssi, txPower int) float64 {
	if rssi == 0 || txPower == 0 {
		return -1
	}
	ratio := float64(rssi) / float64(txPower)
	if ratio < 1 {
		return math.Pow(ratio, 10)
	}
	return 0.89976*math.Pow(ratio, 7.7095) + 0.111
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

// parseUnix treats 13+ integer digits as milliseconds, anything else as
// seconds with an optional fraction.
func parseUnix(value string) (time.Time, error) {
	if !strings.Contains(value, ".") && len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, err
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC(), nil
}

func parseInt(value string) (int, error) {
	value = strings.TrimSpace(value)
	if v, err := strconv.Atoi(value); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}

func parseUint16(value, name string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	v, err := parseInt(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if v < 0 || v > math.MaxUint16 {
		return 0, fmt.Errorf("%s out of range: %d", name, v)
	}
	return v, nil
}
