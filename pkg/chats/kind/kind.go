// Package kind defines the canonical message kinds and the mapping from
// backend role strings.
package kind

// Kind classifies who a chat message came from.
type Kind string

const (
	Human Kind = "human"
	AI    Kind = "ai"
	Tool  Kind = "tool"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Human, AI, Tool:
		return true
	}
	return false
}

// String returns the underlying string value of the kind.
func (k Kind) String() string {
	return string(k)
}

// FromRole maps a backend role string to a Kind. The mapping is total:
// unrecognized roles map to AI so that a message is never dropped because a
// backend introduced a role this client does not know about.
func FromRole(role string) Kind {
	switch role {
	case "user", "human":
		return Human
	case "tool":
		return Tool
	default:
		// assistant, system, developer, and anything newer.
		return AI
	}
}
