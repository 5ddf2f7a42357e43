// Package transport delivers complete KNXnet/IP frames between a
// client session and its server over UDP, TCP or a Unix stream
// socket.
//
// Each connection owns exactly one receiver goroutine. Received
// frames are parsed by the knxnet codec and handed to a single
// handler; unrecognized or malformed datagrams are logged at debug
// level and dropped.
package transport
