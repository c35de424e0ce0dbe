package engine

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// RegionMatcher decides which transmitters belong to the monitored region.
// Empty major/minor lists match any value, like a wildcard region
// identifier.
type RegionMatcher struct {
	UUID    string
	Majors  map[int]struct{}
	Minors  map[int]struct{}
	Blocked map[string]struct{}
}

func buildMatcher(cfg *config.Config) *RegionMatcher {
	return &RegionMatcher{
		UUID:    normalizeUUID(cfg.Region.TargetUUID),
		Majors:  buildIntSet(cfg.Region.Majors),
		Minors:  buildIntSet(cfg.Region.Minors),
		Blocked: buildBlockedSet(cfg.Region.Blocked),
	}
}

func buildIntSet(values []int) map[int]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// buildBlockedSet accepts "uuid", "uuid:major" or "uuid:major:minor".
func buildBlockedSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		key := normalizeTransmitterKey(v)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (m *RegionMatcher) Accept(t model.TransmitterID) bool {
	if m == nil {
		return true
	}
	id := normalizeUUID(t.UUID)
	if id == "" || id != m.UUID {
		return false
	}
	if m.Majors != nil {
		if _, ok := m.Majors[t.Major]; !ok {
			return false
		}
	}
	if m.Minors != nil {
		if _, ok := m.Minors[t.Minor]; !ok {
			return false
		}
	}
	return !m.IsBlocked(t)
}

func (m *RegionMatcher) IsBlocked(t model.TransmitterID) bool {
	if m == nil || m.Blocked == nil {
		return false
	}
	id := normalizeUUID(t.UUID)
	keys := []string{
		id,
		id + ":" + strconv.Itoa(t.Major),
		id + ":" + strconv.Itoa(t.Major) + ":" + strconv.Itoa(t.Minor),
	}
	for _, k := range keys {
		if _, ok := m.Blocked[k]; ok {
			return true
		}
	}
	return false
}

func normalizeUUID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return id.String()
}

func normalizeTransmitterKey(value string) string {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	parts[0] = normalizeUUID(parts[0])
	for i := 1; i < len(parts); i++ {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ":")
}
