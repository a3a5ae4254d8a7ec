// Package wire implements the decksync framing over a duplex byte stream.
//
// A field is a 64-byte ASCII decimal length, left-justified and padded with
// spaces, followed by that many payload bytes:
//
//	"5" + 63*" " + "alpha"
//
// Opcodes and verdicts are single ASCII bytes. The last payload of a message
// (a card batch or a deck document) carries no prefix: the sender writes the
// JSON and half-closes its write side, and the receiver reads until EOF.
package wire
