package envelope

// Field names with special meaning in the canonical payload.
const (
	FieldAuthorSignature       = "author_signature"
	FieldParentAuthorSignature = "parent_author_signature"
	FieldTargetAuthorSignature = "target_author_signature"
)

// Legacy retraction sub-types collapse into a single type.
var legacyTypes = map[string]string{
	"signed_retraction":    "retraction",
	"relayable_retraction": "retraction",
}

var renameAlways = map[string]string{
	"diaspora_handle":     "author",
	"participant_handles": "participants",
	"sender_handle":       "author",
	"recipient_handle":    "recipient",
	"root_diaspora_id":    "root_author",
}

var renameByType = map[string]map[string]string{
	"retraction": {
		"post_guid": "target_guid",
		"type":      "target_type",
	},
	"like": {
		"target_type": "parent_type",
	},
	"participation": {
		"target_type": "parent_type",
	},
}

// NormalizeType maps a legacy message type onto its current name.
func NormalizeType(msgType string) string {
	if t, ok := legacyTypes[msgType]; ok {
		return t
	}
	return msgType
}

// RenameField maps a legacy field name onto its current name for the
// (normalized) message type. Target names never appear as source names for
// the same type, so applying it twice is the same as applying it once.
func RenameField(msgType, name string) string {
	if n, ok := renameAlways[name]; ok {
		return n
	}
	if n, ok := renameByType[msgType][name]; ok {
		return n
	}
	return name
}
