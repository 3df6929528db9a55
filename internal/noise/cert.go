package noise

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
)

// compiledRootCAPublicKey and compiledIssuerSerial are placeholder
// provisioning constants: a real deployment overrides Config with the
// operator-supplied production values. Kept as 32 zero bytes / serial 0
// here since this module never dials the real server.
var compiledRootCAPublicKey [32]byte

const compiledIssuerSerial uint32 = 0

// CertDetails is the signed payload of one certificate in the chain: a
// serial number, the issuer's serial (must match a constant for the
// intermediate), and the certified Curve25519 noise-static public key.
type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          [32]byte
}

func (d CertDetails) encode() []byte {
	buf := make([]byte, 4+4+32)
	binary.BigEndian.PutUint32(buf[0:4], d.Serial)
	binary.BigEndian.PutUint32(buf[4:8], d.IssuerSerial)
	copy(buf[8:], d.Key[:])
	return buf
}

// Cert pairs signed details with the ed25519 signature over their encoding.
type Cert struct {
	Details   CertDetails
	Signature [64]byte
}

// Chain is the two-certificate chain WhatsApp's server hello carries:
// an intermediate signed by the hard-coded root, and a leaf (the server's
// noise-static key certificate) signed by the intermediate.
type Chain struct {
	Intermediate Cert
	Leaf         Cert
}

var (
	ErrBadRootSignature         = errors.New("noise: intermediate certificate not signed by root key")
	ErrBadIntermediateSignature = errors.New("noise: leaf certificate not signed by intermediate key")
	ErrWrongIssuerSerial        = errors.New("noise: intermediate issuer-serial does not match expected constant")
	ErrLeafKeyMismatch          = errors.New("noise: leaf certificate key does not match server static key")
)

// VerifyChain validates the certificate chain against cfg's root key and
// issuer-serial constant, and checks that the leaf certifies serverStatic.
func VerifyChain(cfg Config, chain Chain, serverStatic [32]byte) error {
	if !ed25519.Verify(cfg.RootCAPublicKey[:], chain.Intermediate.Details.encode(), chain.Intermediate.Signature[:]) {
		return ErrBadRootSignature
	}

	if chain.Intermediate.Details.IssuerSerial != cfg.IssuerSerial {
		return fmt.Errorf("%w: got %d want %d", ErrWrongIssuerSerial, chain.Intermediate.Details.IssuerSerial, cfg.IssuerSerial)
	}

	if !ed25519.Verify(chain.Intermediate.Details.Key[:], chain.Leaf.Details.encode(), chain.Leaf.Signature[:]) {
		return ErrBadIntermediateSignature
	}

	if chain.Leaf.Details.Key != serverStatic {
		return ErrLeafKeyMismatch
	}

	return nil
}

// SignDetails is a test/operator helper producing a Cert for details signed
// by signerPriv — used to build synthetic chains in tests and to let an
// operator mint their own private-network root for non-production use.
func SignDetails(signerPriv ed25519.PrivateKey, details CertDetails) Cert {
	sig := ed25519.Sign(signerPriv, details.encode())
	var c Cert
	c.Details = details
	copy(c.Signature[:], sig)
	return c
}
