// Package exchange moves batches of signed messages between sites.
//
// One exchange is a single HTTP POST of a batch to a peer's ismexchange
// endpoint; the peer answers with a batch of its own. Regular messages in
// a request are handed to the peer's Intake for admission. Link-local
// ReplayRequests are answered in the same response with the replayed
// messages and a ReplayResponse per request.
//
// Outbound:
//   - Pusher sends the local sent log (or its new suffix) to one peer
//   - Puller turns replay needs into ReplayRequests and returns what came back
//
// Inbound:
//   - Handler serves POST /servlet/ismexchange and GET /metrics
//   - Intake is the bounded queue between the listener and the site engine
//   - Replayer answers ReplayRequests from the local store
//
// Transport failures never change local state; callers retry on a later
// call and receivers de-duplicate.
package exchange
