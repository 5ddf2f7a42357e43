// Package tpuart implements the host side of a TP-UART controller:
// translation between cEMI L-Data and TP1 frames, the byte-level
// receive engine with its adaptive inter-byte timeout, immediate
// acknowledgement of addressed frames, confirmation synthesis, UART
// state polling and bus-monitor mode.
package tpuart
