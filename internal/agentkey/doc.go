// Package agentkey manages server-held agent signing keys.
//
// An agent key is a secp256k1 keypair that may act on a user's smart wallet
// within the bounds of a co-signed approval. Records are persisted as whole
// JSON blobs through kv.Store under "agent-key:{id}", with a per-user set index
// and a per-wallet pointer. The encrypted private key never leaves this
// package; GetPrivateKey is the only path that yields plaintext and it is rate
// limited and audit logged. Keys are never deleted, only deactivated.
package agentkey
