package lib

// Flag constants. On the wire the flags byte is SYN<<3 | ACK<<2 | STP<<1 | FIN.
const (
	SYNFlag uint8 = 1 << 3
	ACKFlag uint8 = 1 << 2
	STPFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	HeaderSize        = 6   // reserved byte, flags byte, 4-byte sequence number
	DefaultPortLimit  = 128 // ports 0..127
	DefaultWindowSize = 16  // segments in flight per direction
)
