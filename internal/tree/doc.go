// Package tree provides the structured document model every inter-site
// message is serialized through.
//
// A document is a tree of String, Int, Bool, Array and Object values. The
// canonical encoding (RFC 8785 with NFC strings) is what gets signed and
// digested, so two sites that build the same tree always produce the same
// bytes regardless of map iteration order or Unicode composition.
//
// tree imports nothing internal.
package tree
