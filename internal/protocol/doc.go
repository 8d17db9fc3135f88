// Package protocol defines the framed JSON packet protocol spoken between
// worker processes and the coordinator.
//
// # Wire format
//
// Every packet is a UTF-8 JSON object preceded by a small binary header:
//
//	[1 byte]  chunked flag (0 or 1)
//	[4 bytes] big-endian total payload length (present only when chunked)
//	[2 bytes] big-endian chunk length
//	[N bytes] payload
//
// When the chunked flag is set, the receiver keeps consuming raw
// continuation bytes (no further headers) until total-length bytes have been
// accumulated, then parses the whole buffer as one JSON document.
//
// The encoded payload may not exceed MaxPayload bytes; oversized packets are
// rejected before anything is written to the stream. On the write side the
// header plus payload is additionally sliced into transmission segments of
// at most 1400 bytes to bound the size of a single write. That slicing is a
// transport detail and is unrelated to the chunked flag.
//
// # Packets
//
// A Packet is a JSON object with a mandatory integer "type" field drawn from
// the PacketType enumeration. Request-style packets carry a string "id"
// ("c0", "c1", ...) chosen by the requester; response packets echo it.
// Sets are carried in a {"_set_object": [...]} envelope and restored to Set
// values on decode.
package protocol
