// Package site runs the receiving side of a federated site.
//
// A site starts from the grant bundle the Coordinator produced for it
// (Bootstrap) and afterwards resumes from its store (Open). The Engine is
// a single-writer loop: the exchange listener queues deliveries on the
// bounded intake, and Run offers each message to the ledger Receiver,
// applies ready channel heads and settles the outcome together with the
// source's watermark in one store transaction.
//
// Core kinds are handled by the engine itself:
//   - ForceUpgrade and Join pass once their gate is met
//   - SiteReset overwrites watermarks through gate.ApplyReset
//   - SiteDeactivation ends a source's stream at its final seq
//   - SiteActivation and SiteUpdate refresh the keys used for verification
//
// Directory kinds update the Directory; everything else goes to the
// configured Applier.
package site
