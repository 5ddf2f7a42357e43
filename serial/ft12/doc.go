// Package ft12 implements the FT1.2 link protocol used by BCU2 KNX
// serial interfaces: fixed and variable frames, the single-byte
// acknowledgement, frame-count handling, and L-Data confirmation
// matching.
package ft12
