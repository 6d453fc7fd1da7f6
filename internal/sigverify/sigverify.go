// Package sigverify verifies release-approval signatures.
//
// Signers approve an escrow action by signing a canonical message with
// their ledger key. The escrow engine never handles key material; it
// consumes this package's "signature is valid for this signer over this
// payload" answer through the escrow.SignatureVerifier interface.
package sigverify

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ApprovalMessage builds the canonical message a signer must sign to
// approve a release or refund of the given escrow.
// Format: "ChiomaEscrow|{escrowId}|{payloadRef}"
func ApprovalMessage(escrowID, payloadRef string) string {
	return fmt.Sprintf("ChiomaEscrow|%s|%s", escrowID, payloadRef)
}

// HashMessage creates an Ethereum signed message hash.
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and signature.
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	messageHash := HashMessage(message)

	pubKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	address := crypto.PubkeyToAddress(*pubKey)
	return strings.ToLower(address.Hex()), nil
}

// Verifier checks signer approvals by ECDSA address recovery.
// The zero value is ready to use.
type Verifier struct{}

// Verify reports whether signatureHex is a valid signature by
// signerAddress over the canonical approval message for payload.
func (Verifier) Verify(signerAddress, payload, signatureHex string) bool {
	recovered, err := RecoverAddress(payload, signatureHex)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, signerAddress)
}
