package client

import (
	"encoding/binary"
	"fmt"

	"github.com/wacore/wacore/internal/noise"
)

const certSize = 4 + 4 + 32 + 64 // CertDetails(40) + ed25519 signature(64)

// parseChain decodes the server hello's decrypted payload into the
// intermediate+leaf certificate chain internal/noise verifies. The wire
// format is a fixed-layout concatenation of two certificates, mirroring
// the same "define a minimal self-consistent framing" approach
// internal/noise itself takes for ServerHello, since the real encoding is
// an external collaborator concern this module does not own.
func parseChain(data []byte) (noise.Chain, error) {
	if len(data) != 2*certSize {
		return noise.Chain{}, fmt.Errorf("client: certificate chain payload has wrong length %d", len(data))
	}
	intermediate, err := decodeCert(data[:certSize])
	if err != nil {
		return noise.Chain{}, fmt.Errorf("client: intermediate certificate: %w", err)
	}
	leaf, err := decodeCert(data[certSize:])
	if err != nil {
		return noise.Chain{}, fmt.Errorf("client: leaf certificate: %w", err)
	}
	return noise.Chain{Intermediate: intermediate, Leaf: leaf}, nil
}

func decodeCert(data []byte) (noise.Cert, error) {
	var c noise.Cert
	if len(data) != certSize {
		return c, fmt.Errorf("malformed certificate, length %d", len(data))
	}
	c.Details.Serial = binary.BigEndian.Uint32(data[0:4])
	c.Details.IssuerSerial = binary.BigEndian.Uint32(data[4:8])
	copy(c.Details.Key[:], data[8:40])
	copy(c.Signature[:], data[40:104])
	return c, nil
}
