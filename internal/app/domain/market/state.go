package market

// State is the position of an asset in the minted × listed lattice.
type State uint8

const (
	StateUnlisted State = iota
	StateListed
	StateMintedUnlisted
	StateMintedListed
)

// StateOf builds the variant from the two persisted flags.
func StateOf(minted, listed bool) State {
	switch {
	case minted && listed:
		return StateMintedListed
	case minted:
		return StateMintedUnlisted
	case listed:
		return StateListed
	default:
		return StateUnlisted
	}
}

func (s State) Minted() bool { return s == StateMintedUnlisted || s == StateMintedListed }

func (s State) Listed() bool { return s == StateListed || s == StateMintedListed }

// WithListed returns the state with the listing flag replaced.
func (s State) WithListed(listed bool) State { return StateOf(s.Minted(), listed) }

// WithMinted returns the state with the mint flag replaced.
func (s State) WithMinted(minted bool) State { return StateOf(minted, s.Listed()) }

func (s State) String() string {
	switch s {
	case StateUnlisted:
		return "unlisted"
	case StateListed:
		return "listed"
	case StateMintedUnlisted:
		return "minted_unlisted"
	case StateMintedListed:
		return "minted_listed"
	default:
		return "unknown"
	}
}
