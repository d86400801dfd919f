package handshake

import "fedgate/pkg/types"

// NextRelationInitiator is the relation after a successful phase A: the
// local side approved their request, so they now follow us unless we
// already followed them or the exchange was mutual. Duplex is cleared when
// both held.
func NextRelationInitiator(prev types.Relation, duplex bool) (types.Relation, bool) {
	if prev == types.RelationSharing || duplex {
		if prev == types.RelationSharing && duplex {
			duplex = false
		}
		return types.RelationFriend, duplex
	}
	return types.RelationFollower, duplex
}

// NextRelationResponder is the relation after a successful phase B: the
// remote side approved our request, so we now follow them unless they
// already followed us or the exchange was mutual.
func NextRelationResponder(prev types.Relation, duplex bool) (types.Relation, bool) {
	if prev == types.RelationFollower || duplex {
		if prev == types.RelationFollower && duplex {
			duplex = false
		}
		return types.RelationFriend, duplex
	}
	return types.RelationSharing, duplex
}
