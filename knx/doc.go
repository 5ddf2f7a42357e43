// Package knx holds the shared KNX domain model used by every
// transport in this module: individual and group addresses, the
// opaque cEMI frame with its small decode API, the operational event
// surface, and the common error taxonomy.
//
// Transports (knxnet tunnelling and routing, FT1.2, TP-UART) produce
// and consume cEMI frames as byte slices. This package never touches
// the network or a serial port.
package knx
