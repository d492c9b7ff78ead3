// Package limits provides centralized size constants and validation functions
// for the TCPChat peer protocol. Every component that accepts untrusted input
// from the relay server or from a peer validates it against these limits
// before allocating buffers or touching the file system.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1 MiB + header room): the largest frame the TCP transport
//     will accept from the wire.
//
//   - MaxFilePartLength (1 MiB): the largest byte range a single ReadFilePart
//     request may ask for. Larger requests are clamped by the dispatcher, so a
//     requester always receives at most this many bytes per WriteFilePart.
//
//   - DefaultFilePartLength (64 KiB): the part size the downloader asks for.
//
// # Names
//
// Nicknames, room names and file names are bounded so that their
// length prefixes fit in the wire format:
//
//	if err := limits.ValidateName("room", room, limits.MaxRoomNameLength); err != nil {
//	    return err // ErrNameEmpty or ErrNameTooLong
//	}
package limits
