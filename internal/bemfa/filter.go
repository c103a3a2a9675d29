package bemfa

// SelectAction picks the single action to execute for an inbound message.
//
// The bemfa broker echoes an entity's own published state back to the bridge,
// so inbound fields are compared against the fields expected from the entity's
// current local state. The first action, in rule order, whose field range
// differs is returned. Ranges are clamped to the shorter of both lists, so a
// short message only competes on the positions it carries.
func SelectAction(inbound, expected []Field, actions []Action) (Action, bool) {
	for _, a := range actions {
		hi := min(a.End, len(inbound), len(expected))
		for i := a.Start; i < hi; i++ {
			if inbound[i] != expected[i] {
				return a, true
			}
		}
	}
	return Action{}, false
}
