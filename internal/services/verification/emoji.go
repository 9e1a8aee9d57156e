package verification

// EmojiNames maps a 6-bit SAS group to its display name. Both sides of a
// handshake must render the same table for the comparison to be meaningful.
var EmojiNames = [64]string{
	"Dog", "Cat", "Lion", "Horse", "Unicorn", "Pig", "Elephant", "Rabbit",
	"Panda", "Rooster", "Penguin", "Turtle", "Fish", "Octopus", "Butterfly",
	"Flower", "Tree", "Cactus", "Mushroom", "Globe", "Moon", "Cloud", "Fire",
	"Banana", "Apple", "Strawberry", "Corn", "Pizza", "Cake", "Heart",
	"Smiley", "Robot", "Hat", "Glasses", "Spanner", "Santa", "Thumbs Up",
	"Umbrella", "Hourglass", "Clock", "Gift", "Light Bulb", "Book", "Pencil",
	"Paperclip", "Scissors", "Lock", "Key", "Hammer", "Telephone", "Flag",
	"Train", "Bicycle", "Aeroplane", "Rocket", "Trophy", "Ball", "Guitar",
	"Trumpet", "Bell", "Anchor", "Headphones", "Folder", "Pin",
}

// sasEmoji maps the 6-byte short authentication string to seven names: the
// first 42 bits, most significant first, in 6-bit groups.
func sasEmoji(sas []byte) []string {
	var n uint64
	for _, b := range sas[:6] {
		n = n<<8 | uint64(b)
	}
	names := make([]string, 7)
	for i := 0; i < 7; i++ {
		names[i] = EmojiNames[(n>>(42-6*uint(i)))&0x3f]
	}
	return names
}
