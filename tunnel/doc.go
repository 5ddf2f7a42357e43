// Package tunnel implements the KNXnet/IP client session state
// machine for Tunneling and Device Management connections over UDP
// or TCP.
//
// A Client moves through Idle → Connecting → Open → Closing →
// Closed. While open it serializes sends (one in flight at a time),
// matches tunneling acks and L_Data confirmations, answers inbound
// tunneling requests with acks, keeps both sequence counters, and
// probes the server with connection-state requests when the channel
// goes quiet.
package tunnel
