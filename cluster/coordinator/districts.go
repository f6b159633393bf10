package coordinator

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/events"
)

// RelocateAgent moves an agent to district to. An invalid district or
// unknown agent yields an unsuccessful result rather than an error.
func (c *Coordinator) RelocateAgent(agentID string, to District) RelocationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	res := RelocationResult{AgentID: agentID, ToDistrict: to, Timestamp: now}

	if !slices.Contains(Districts, to) {
		res.Error = fmt.Sprintf("%v: %q", ErrInvalidDistrict, to)
		return res
	}
	a, ok := c.agents[agentID]
	if !ok {
		res.Error = fmt.Sprintf("agent %s not found", agentID)
		return res
	}

	from := a.Metadata.District
	if !slices.Contains(Districts, from) {
		from = ""
	}
	a.Metadata.District = to
	res.FromDistrict = from
	res.Success = true

	c.logger.Info("agent relocated",
		zap.String("agent_id", agentID),
		zap.String("from_district", string(from)),
		zap.String("to_district", string(to)),
	)
	c.metrics.RecordAgentRelocation(string(to))
	c.publisher.Publish(events.Event{
		Type: events.TypeAgentRelocation,
		Data: events.AgentRelocation{
			AgentID:      agentID,
			FromDistrict: events.OptionalString(string(from)),
			ToDistrict:   string(to),
			Timestamp:    events.UnixSeconds(now),
		},
	})
	return res
}

// DistrictLoad counts agents per district. Every district is present.
func (c *Coordinator) DistrictLoad() map[District]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	load := make(map[District]int, len(Districts))
	for _, d := range Districts {
		load[d] = 0
	}
	for _, a := range c.agents {
		if _, ok := load[a.Metadata.District]; ok {
			load[a.Metadata.District]++
		}
	}
	return load
}
