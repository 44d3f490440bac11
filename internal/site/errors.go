package site

import "errors"

var (
	// ErrNoIdentity: the store has not been bootstrapped from a grant bundle.
	ErrNoIdentity = errors.New("store has no site identity")

	// ErrBootstrapped: the store already belongs to a site.
	ErrBootstrapped = errors.New("store is already bootstrapped")

	// ErrUnknownSource: no public key has been announced for the sender.
	ErrUnknownSource = errors.New("no public key announced for source site")

	// ErrUnknownKind: the message type is not in this build's catalog.
	ErrUnknownKind = errors.New("message kind cannot be applied")

	// ErrGrantMismatch: the granted private key does not belong to the
	// public key the Coordinator announced for the site.
	ErrGrantMismatch = errors.New("granted key does not match the announced public key")
)
