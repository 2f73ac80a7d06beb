package piece

// Block is part of a Piece. It is the unit of transfer between peers.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
}
