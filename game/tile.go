package game

// Raw tile id ranges used by the BreadQuest server.
const (
	EmptyTileID       = 128
	FirstWallID       = 129
	FirstTrailID      = 137
	FirstIngredientID = 145
	LastIngredientID  = 148
	FirstSpecialID    = 149
	LastSpecialID     = 150
	ColorCount        = 8
	EnemyTileID       = -1 // written by the client where another player stands
)

// TileCategory is the semantic class of a map cell.
type TileCategory int

const (
	TileEmpty TileCategory = iota
	TileWall
	TileTrail
	TileOwnTrail
	TileIngredient
	TileSpecial
	TileEnemy

	// NumCategories is the number of classes a real tile can fall into.
	NumCategories = int(TileEnemy) + 1
)

// TileUnknown marks a cell outside the last fetched vision window. It occupies
// its own vocabulary slot so embedding lookups stay in bounds.
const TileUnknown = TileCategory(NumCategories)

// Vocabulary is the number of distinct codes an encoded state can contain.
const Vocabulary = NumCategories + 1

// Classify maps a raw tile id to its category. ownColor is the observing
// player's avatar colour; a trail of that colour is the player's own. Ids the
// table does not know are treated as walls.
func Classify(id, ownColor int) TileCategory {
	switch {
	case id == EnemyTileID:
		return TileEnemy
	case id == EmptyTileID:
		return TileEmpty
	case id >= FirstWallID && id < FirstWallID+ColorCount:
		return TileWall
	case id >= FirstTrailID && id < FirstTrailID+ColorCount:
		if id-FirstTrailID == ownColor {
			return TileOwnTrail
		}
		return TileTrail
	case id >= FirstIngredientID && id <= LastIngredientID:
		return TileIngredient
	case id >= FirstSpecialID && id <= LastSpecialID:
		return TileSpecial
	default:
		return TileWall
	}
}

// TrailID returns the raw tile id of a trail left by the given colour.
func TrailID(color int) int {
	return FirstTrailID + color
}

// Symbol is the single-character glyph used when rendering a category.
func (c TileCategory) Symbol() byte {
	switch c {
	case TileEmpty:
		return '`'
	case TileWall:
		return '#'
	case TileTrail:
		return '.'
	case TileOwnTrail:
		return ','
	case TileIngredient:
		return '*'
	case TileSpecial:
		return '='
	case TileEnemy:
		return '@'
	default:
		return ' '
	}
}

func (c TileCategory) String() string {
	switch c {
	case TileEmpty:
		return "empty"
	case TileWall:
		return "wall"
	case TileTrail:
		return "trail"
	case TileOwnTrail:
		return "own-trail"
	case TileIngredient:
		return "ingredient"
	case TileSpecial:
		return "special"
	case TileEnemy:
		return "enemy"
	case TileUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}
