package pairing

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// SRP-6a over the RFC 5054 3072-bit group, fixed username "Pair-Setup",
// SHA-512 as the hash function throughout. Grounded on
// original_source/src/pair_ap/pair_homekit.c (SRP_NG_3072, HASH_SHA512),
// itself adapted from Tom Cocagne's csrp.

const srpUsername = "Pair-Setup"

var (
	srpN *big.Int
	srpG *big.Int
)

func init() {
	const nHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B" +
		"139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485" +
		"B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1F" +
		"E649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23" +
		"DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32" +
		"905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF69558" +
		"17183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521" +
		"ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D7" +
		"1E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B1817" +
		"7B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82" +
		"D120A93AD2CAFFFFFFFFFFFFFFFF"
	var ok bool
	srpN, ok = new(big.Int).SetString(nHex, 16)
	if !ok {
		panic("pairing: bad SRP N constant")
	}
	srpG = big.NewInt(5)
}

// srpPad left-pads b with zero bytes to the byte length of N (384 bytes for
// the 3072-bit group), the width SRP's H() calls require for consistent
// hashing of A, B and S.
func srpPad(b *big.Int) []byte {
	size := (srpN.BitLen() + 7) / 8
	raw := b.Bytes()
	if len(raw) >= size {
		return raw
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out
}

func srpHash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func srpHashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(srpHash(parts...))
}

// srpK is SRP-6a's multiplier k = H(N | PAD(g)).
func srpK() *big.Int {
	return srpHashInt(srpPad(srpN), srpPad(srpG))
}

// SRPVerifier is the server-stored (salt, verifier) pair computed once at
// pairing time from the setup code.
type SRPVerifier struct {
	Salt     []byte
	Verifier []byte
}

// NewSRPVerifier derives a salted verification key from a setup code
// ("PIN"), the way srp_create_salted_verification_key does on first pairing.
func NewSRPVerifier(pin string) (*SRPVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("pairing: generate srp salt: %w", err)
	}
	x := srpPrivateKey(salt, pin)
	v := new(big.Int).Exp(srpG, x, srpN)
	return &SRPVerifier{Salt: salt, Verifier: srpPad(v)}, nil
}

// srpPrivateKey computes x = H(salt | H(username | ":" | password)).
func srpPrivateKey(salt []byte, pin string) *big.Int {
	inner := srpHash([]byte(srpUsername), []byte(":"), []byte(pin))
	return srpHashInt(salt, inner)
}

// SRPClient drives the controller side of pair-setup M1–M4.
type SRPClient struct {
	a *big.Int // private ephemeral
	A *big.Int // public ephemeral

	premasterSecret []byte
	sessionKey      []byte
	proof           []byte
	serverProof     []byte
}

// NewSRPClient generates a fresh ephemeral keypair (a, A = g^a mod N).
func NewSRPClient() (*SRPClient, error) {
	a, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate srp ephemeral: %w", err)
	}
	A := new(big.Int).Exp(srpG, a, srpN)
	return &SRPClient{a: a, A: A}, nil
}

// PublicKey returns A, padded to N's byte width, for the M3 PublicKey TLV.
func (c *SRPClient) PublicKey() []byte { return srpPad(c.A) }

// ComputeProof consumes the server's M2 (salt, B) and the setup code,
// deriving the shared session key and the client's M1 proof for M3.
func (c *SRPClient) ComputeProof(pin string, salt, bBytes []byte) ([]byte, error) {
	B := new(big.Int).SetBytes(bBytes)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, fmt.Errorf("%w: srp public key B is degenerate", ErrAuthentication)
	}

	u := srpHashInt(srpPad(c.A), srpPad(B))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("%w: srp scrambling parameter u is zero", ErrAuthentication)
	}

	x := srpPrivateKey(salt, pin)
	k := srpK()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	kgx := new(big.Int).Mul(k, new(big.Int).Exp(srpG, x, srpN))
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, srpN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, srpN)

	c.premasterSecret = srpPad(S)
	c.sessionKey = srpHash(c.premasterSecret)

	nHash := srpHash(srpPad(srpN))
	gHash := srpHash(srpPad(srpG))
	hashXOR := make([]byte, len(nHash))
	for i := range hashXOR {
		hashXOR[i] = nHash[i] ^ gHash[i]
	}
	uHash := srpHash([]byte(srpUsername))

	c.proof = srpHash(hashXOR, uHash, salt, srpPad(c.A), srpPad(B), c.sessionKey)
	c.serverProof = srpHash(srpPad(c.A), c.proof, c.sessionKey)
	return c.proof, nil
}

// VerifyServerProof checks the server's M4 proof against the locally
// computed expectation, in constant time.
func (c *SRPClient) VerifyServerProof(proof []byte) bool {
	return subtle.ConstantTimeCompare(c.serverProof, proof) == 1
}

// SessionKey returns H(S), the shared key used to derive all pair-setup
// transport keys via HKDF.
func (c *SRPClient) SessionKey() []byte { return c.sessionKey }

// SRPServer drives the accessory side of pair-setup M1–M4, given the stored
// (salt, verifier) from an earlier NewSRPVerifier call.
type SRPServer struct {
	verifier *big.Int
	salt     []byte

	b *big.Int
	B *big.Int

	sessionKey  []byte
	proof       []byte
	serverProof []byte
}

// NewSRPServer starts a fresh authentication attempt: b is a fresh
// ephemeral, B = (k*v + g^b) mod N.
func NewSRPServer(v *SRPVerifier) (*SRPServer, error) {
	b, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate srp ephemeral: %w", err)
	}
	verifier := new(big.Int).SetBytes(v.Verifier)
	k := srpK()
	kv := new(big.Int).Mul(k, verifier)
	B := new(big.Int).Add(kv, new(big.Int).Exp(srpG, b, srpN))
	B.Mod(B, srpN)
	return &SRPServer{verifier: verifier, salt: v.Salt, b: b, B: B}, nil
}

// PublicKey returns B, padded to N's byte width, for the M2 PublicKey TLV.
func (s *SRPServer) PublicKey() []byte { return srpPad(s.B) }

// Salt returns the stored salt, for the M2 Salt TLV.
func (s *SRPServer) Salt() []byte { return s.salt }

// VerifyClientProof consumes the client's M3 (A, M1), computes S and the
// expected M1, and returns the M4 server proof on success.
func (s *SRPServer) VerifyClientProof(aBytes, clientProof []byte) ([]byte, error) {
	A := new(big.Int).SetBytes(aBytes)
	if new(big.Int).Mod(A, srpN).Sign() == 0 {
		return nil, fmt.Errorf("%w: srp public key A is degenerate", ErrAuthentication)
	}

	u := srpHashInt(srpPad(A), srpPad(s.B))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("%w: srp scrambling parameter u is zero", ErrAuthentication)
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.verifier, u, srpN)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, srpN)
	S := new(big.Int).Exp(base, s.b, srpN)

	premaster := srpPad(S)
	s.sessionKey = srpHash(premaster)

	nHash := srpHash(srpPad(srpN))
	gHash := srpHash(srpPad(srpG))
	hashXOR := make([]byte, len(nHash))
	for i := range hashXOR {
		hashXOR[i] = nHash[i] ^ gHash[i]
	}
	uHash := srpHash([]byte(srpUsername))

	expected := srpHash(hashXOR, uHash, s.salt, srpPad(A), srpPad(s.B), s.sessionKey)
	if subtle.ConstantTimeCompare(expected, clientProof) != 1 {
		return nil, fmt.Errorf("%w: srp client proof mismatch", ErrAuthentication)
	}

	s.proof = expected
	s.serverProof = srpHash(srpPad(A), s.proof, s.sessionKey)
	return s.serverProof, nil
}

// SessionKey returns H(S), valid only after a successful VerifyClientProof.
func (s *SRPServer) SessionKey() []byte { return s.sessionKey }
