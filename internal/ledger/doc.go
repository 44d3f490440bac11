// Package ledger numbers the messages a site emits and admits the messages
// it receives in channel order.
//
// On emission every message takes the next value of the site's global
// counter and names the previous message on its own channel. On reception
// a message is applied only once its named predecessor has been applied;
// until then it is parked and the gap is reported so a replay can be
// requested.
package ledger
