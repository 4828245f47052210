package conference

// debugState is the JSON-friendly snapshot served by the debug endpoint.
// Runs on the processing loop like everything else.
func (c *Conference) debugState() map[string]any {
	participants := make([]map[string]any, 0, len(c.participants))
	for _, p := range c.participants {
		state := p.DebugState()
		if session := c.assignments[p.EndpointID()]; session != nil {
			state["bridge_session"] = session.ID()
			state["bridge"] = session.Bridge().Address()
		}
		participants = append(participants, state)
	}

	bridgeSessions := make([]map[string]any, 0, len(c.bridgeSessions))
	for _, session := range c.bridgeSessions {
		bridgeSessions = append(bridgeSessions, session.DebugState())
	}

	moderation := make(map[string]any, len(c.moderation))
	for mediaType, state := range c.moderation {
		if state.enabled {
			moderation[string(mediaType)] = len(state.whitelist)
		}
	}

	return map[string]any{
		"name":            c.name,
		"started":         c.started,
		"audio_senders":   c.audioSenders,
		"video_senders":   c.videoSenders,
		"participants":    participants,
		"bridge_sessions": bridgeSessions,
		"sources":         c.sources,
		"av_moderation":   moderation,
	}
}
