// Package controller is the partition-control layer.
//
// Ownership boundary:
// - node registration and link health
// - session placement by session key (least-loaded node per segment and kind)
// - credential and identity pushes to nodes
//
// The controller never holds session state; nodes own their sessions and
// report evictions back over the node link.
package controller
