// Package connectivity derives the session's connection mode from two
// level-triggered inputs: whether the network is reachable and whether
// short-range peer discovery is active. The mode is always a pure
// function of the current inputs, never of their history.
package connectivity
