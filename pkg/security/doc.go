/*
Package security seals the credentials of remotes.

S3 secret keys never reach the store in plaintext. A Sealer derives an
AES-256 key from the master passphrase with SHA-256 and encrypts each
secret with AES-256-GCM under a fresh random nonce, which is prepended to
the ciphertext:

	┌──────────────┬─────────────────────────────┐
	│ nonce (12 B) │ ciphertext + GCM tag (16 B) │
	└──────────────┴─────────────────────────────┘

SealRemote authenticates the remote name as additional data, so a sealed
key copied onto another remote record does not open.

The same passphrase must be configured on every start, otherwise the
secret keys of existing remotes cannot be opened and shipments to them
fail when their object store is resolved.

	sealer, err := security.NewSealerFromPassphrase(cfg.MasterPassphrase)
	if err != nil {
		return err
	}
	if err := sealer.SealRemote(remote, secretKey); err != nil {
		return err
	}
	store.CreateRemote(remote)
*/
package security
