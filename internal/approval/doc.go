// Package approval builds and verifies scoped authorizations for agent keys.
//
// An approval binds an agent session key to a smart account under an ordered
// list of policies. The account owner co-signs it twice: a delegation proof
// over (account, chain, session key, nonce) and an EIP-191 signature over the
// deterministic CBOR encoding of the whole approval. The serialized form is an
// opaque base64 string whose inner encoding depends on the account-abstraction
// provider that issued it.
//
// Policies form a closed set (CallScope, SudoScope, GasSponsorship, RateLimit,
// ValueLimit) and are evaluated conjunctively. A SudoScope is never implied:
// it must be requested explicitly with a reason and is recorded as such in the
// approval, the build log and the audit trail.
//
// Deserialize reconstructs a ScopedSigner from an approval and the decrypted
// session key. It fails hard when the approval was issued for a different
// account than the caller expects.
package approval
