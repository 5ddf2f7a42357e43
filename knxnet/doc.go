// Package knxnet implements the KNXnet/IP wire format: the frame
// header, HPAI endpoint descriptors, description information blocks,
// connection request/response data, and every service structure used
// on UDP, TCP and multicast.
//
// The codec is pure: parsing and serializing have no side effects,
// never log, and report malformed input through *FrameError values
// that unwrap to ErrFrame. Serialized output round-trips through
// Unpack to the original value.
package knxnet
