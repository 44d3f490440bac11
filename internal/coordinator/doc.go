// Package coordinator implements the Coordinator: the one site that mints
// site identities, lab identities and sample-id blocks, and issues
// network-wide administrative directives.
//
// The Coordinator keeps no state of its own beyond its sent log. Open
// folds the log from the first message to the last and derives the
// issued sites and labs, the reserved and issued block sets, and every
// channel head from it.
package coordinator
