// Package ism defines inter-site messages: the common envelope, the catalog
// of payload variants, and their serialization contract.
//
// Every message serializes to a tree document of the form
//
//	{
//	  "envelope":  {sourceSiteId, sourceSeqNum, sourcePrevSeqNum, destSiteId, sourceDate, deliverTo, linkLocal},
//	  "type":      "<Kind>",
//	  "<kindKey>": {variant fields},
//	  "signature": "<base64>"
//	}
//
// The canonical encoding of that document, minus "signature", is what the
// source signs. The variant subtree is a sibling of the envelope, so a
// build that does not know a kind can still read who sent it and where it sits in
// the sender's sequence.
//
// # Sentinels
//
//   - Coordinator (0) is the root of trust
//   - AllSites (-1) as a destination makes a message public
//   - InvalidSite and InvalidSeq mark unset fields; serializing one is an
//     INCOMPLETE error
//
// Dispatch over kinds goes through the catalog table in catalog.go. Adding a
// kind means adding a Kind constant, a payload type, and one catalog row.
package ism
