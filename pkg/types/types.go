package types

import "time"

type LocalID int64
type RelationshipID int64

// Protocol tags used for identity cache keys and relationship networks.
const (
	ProtocolDFRN     = "dfrn"
	ProtocolDiaspora = "dspr"
	ProtocolOStatus  = "stat"
)

// Relation is the direction of a relationship as seen from the local identity.
type Relation int

const (
	RelationNone     Relation = 0
	RelationFollower Relation = 1 // they follow me
	RelationSharing  Relation = 2 // I follow them
	RelationFriend   Relation = 3
)

func (r Relation) String() string {
	switch r {
	case RelationFollower:
		return "follower"
	case RelationSharing:
		return "sharing"
	case RelationFriend:
		return "friend"
	default:
		return "none"
	}
}

// ParseRelation is the inverse of Relation.String.
func ParseRelation(s string) Relation {
	switch s {
	case "follower":
		return RelationFollower
	case "sharing":
		return RelationSharing
	case "friend":
		return RelationFriend
	default:
		return RelationNone
	}
}

// PageType describes how a local identity treats incoming relationships.
type PageType int

const (
	PageNormal       PageType = 0
	PageSoapbox      PageType = 1
	PageCommunity    PageType = 2
	PageFreeLove     PageType = 3
	PagePrivateGroup PageType = 5
)

func ParsePageType(s string) PageType {
	switch s {
	case "soapbox":
		return PageSoapbox
	case "community":
		return PageCommunity
	case "freelove", "open":
		return PageFreeLove
	case "private_group":
		return PagePrivateGroup
	default:
		return PageNormal
	}
}

// Notification preference bits.
const (
	NotifyIntro   = 1 << 0
	NotifyConfirm = 1 << 1
)

// Identity is a cached remote actor.
type Identity struct {
	Protocol   string
	Handle     string // user@host
	GUID       string
	Name       string
	ProfileURL string
	AvatarURL  string
	PollURL    string
	NotifyURL  string
	ConfirmURL string
	PublicKey  string // PEM
	UpdatedAt  time.Time
}

// LocalIdentity is an account hosted by this node.
type LocalIdentity struct {
	ID          LocalID
	Nickname    string
	Handle      string
	ProfileURL  string
	PageType    PageType
	PrivateKey  string // PEM, the account's site key
	PublicKey   string
	NotifyFlags int
}

// IsPublicSink reports whether this is the anonymous public-timeline identity.
func (l *LocalIdentity) IsPublicSink() bool {
	return l != nil && l.ID == 0
}

// Relationship is the edge between a local identity and a remote identity.
type Relationship struct {
	ID       RelationshipID
	LocalID  LocalID
	Handle   string
	URL      string
	Name     string
	Photo    string
	Network  string
	Relation Relation
	Duplex   bool
	Blocked  bool
	Pending  bool
	Hidden   bool
	ReadOnly bool
	Archive  bool
	Writable bool
	Forum    bool
	Private  bool

	// Key material for the handshake.
	PrivateKey      string // our per-relationship private key
	PublicKey       string // their per-relationship public key
	SitePublicKey   string // their account key
	IssuedID        string // handshake id we issued
	ReceivedID      string // handshake id they issued
	AESAllow        bool
	ConfirmURL      string
	ProtocolVersion string

	UpdatedAt time.Time
}

// Introduction is a pending request notice awaiting local approval.
type Introduction struct {
	ID             int64
	LocalID        LocalID
	RelationshipID RelationshipID
	Note           string
	Duplex         bool
	CreatedAt      time.Time
}

// Field is one direct child of a wire message, in document order.
type Field struct {
	Name  string
	Value string
}

// Envelope is a parsed and verified federated message.
type Envelope struct {
	Type                  string
	Fields                []Field
	AuthorSignature       []byte
	ParentAuthorSignature []byte
	SignedData            string
	Sender                string
	Legacy                bool
}

// Get returns the first value recorded for the normalized field name.
func (e *Envelope) Get(name string) string {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Author returns the normalized author field.
func (e *Envelope) Author() string {
	return e.Get("author")
}

// SignatureAudit records a verified relayable signature.
type SignatureAudit struct {
	ID         int64
	LocalID    LocalID
	Type       string
	GUID       string
	Signer     string
	SignedText string
	Signature  []byte
	CreatedAt  time.Time
}
