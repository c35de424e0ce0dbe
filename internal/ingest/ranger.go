package ingest

import (
	"presencewatch/internal/engine"
	"presencewatch/internal/model"
)

// PassiveRanger is used when gateways push samples unconditionally and
// nothing has to be asked to start or stop.
type PassiveRanger struct{}

func (PassiveRanger) StartMonitoring(model.Region) error { return nil }
func (PassiveRanger) StartCollecting(model.Region) error { return nil }
func (PassiveRanger) StopCollecting(model.Region) error  { return nil }

// Rangers fans each request out to every configured collaborator. All are
// called; the first error is returned.
type Rangers []engine.Ranger

func (rs Rangers) StartMonitoring(region model.Region) error {
	return rs.each(func(r engine.Ranger) error { return r.StartMonitoring(region) })
}

func (rs Rangers) StartCollecting(region model.Region) error {
	return rs.each(func(r engine.Ranger) error { return r.StartCollecting(region) })
}

func (rs Rangers) StopCollecting(region model.Region) error {
	return rs.each(func(r engine.Ranger) error { return r.StopCollecting(region) })
}

func (rs Rangers) each(fn func(engine.Ranger) error) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := fn(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
