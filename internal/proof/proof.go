// Package proof provides the lightweight, hash-based attestations attached
// to transactions: proof of knowledge, range, and set membership. They are
// binding commitments with Schnorr-shaped transcripts, not a general SNARK.
package proof

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Kind identifies the proof construction.
type Kind uint8

const (
	KindKnowledge Kind = iota + 1
	KindRange
	KindMembership
)

func (k Kind) String() string {
	switch k {
	case KindKnowledge:
		return "knowledge"
	case KindRange:
		return "range"
	case KindMembership:
		return "membership"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindKnowledge; k <= KindMembership; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown proof kind %q", s)
}

const hashSize = sha256.Size

var (
	ErrKindMismatch  = errors.New("proof: kind mismatch")
	ErrUnknownKind   = errors.New("proof: unknown kind")
	ErrMalformed     = errors.New("proof: malformed proof")
	ErrVerification  = errors.New("proof: verification failed")
	ErrOutOfRange    = errors.New("proof: value outside range")
	ErrNotMember     = errors.New("proof: element not in set")
	ErrStatementBind = errors.New("proof: proof does not bind to statement")
)

// Proof is a (data, public inputs) pair.
type Proof struct {
	Kind         Kind
	Data         []byte
	PublicInputs []byte
}

// Domain separation tags.
var (
	tagKnowCommit = []byte("ghostnet/pok/commit")
	tagKnowChal   = []byte("ghostnet/pok/challenge")
	tagKnowResp   = []byte("ghostnet/pok/response")
	tagStatement  = []byte("ghostnet/statement")
	tagRange      = []byte("ghostnet/range")
	tagSet        = []byte("ghostnet/set")
	tagMember     = []byte("ghostnet/member")
)

// Statement is the public image of a secret: H(secret).
func Statement(secret []byte) []byte {
	return digest(tagStatement, secret)
}

// ProveKnowledge attests knowledge of secret. The public input is
// Statement(secret); the secret itself never appears in the proof.
func ProveKnowledge(secret []byte, rand io.Reader) (Proof, error) {
	r, err := nonce(rand)
	if err != nil {
		return Proof{}, err
	}
	public := Statement(secret)
	commitment := digest(tagKnowCommit, r, public)
	challenge := digest(tagKnowChal, commitment, public)
	response := digest(tagKnowResp, r, challenge)

	data := make([]byte, 0, 4*hashSize)
	data = append(data, r...)
	data = append(data, commitment...)
	data = append(data, challenge...)
	data = append(data, response...)
	return Proof{Kind: KindKnowledge, Data: data, PublicInputs: public}, nil
}

// ProveRange commits to value and attests lo <= value <= hi.
func ProveRange(value, lo, hi uint64, rand io.Reader) (Proof, error) {
	if lo > hi || value < lo || value > hi {
		return Proof{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, value, lo, hi)
	}
	blinding, err := nonce(rand)
	if err != nil {
		return Proof{}, err
	}
	commitment := digest(tagRange, u64(value), blinding)

	public := make([]byte, 0, 16+hashSize)
	public = binary.BigEndian.AppendUint64(public, lo)
	public = binary.BigEndian.AppendUint64(public, hi)
	public = append(public, commitment...)

	data := make([]byte, 0, hashSize+8)
	data = append(data, blinding...)
	data = binary.BigEndian.AppendUint64(data, value)
	return Proof{Kind: KindRange, Data: data, PublicInputs: public}, nil
}

// ProveMembership attests that element is one of set.
func ProveMembership(element []byte, set [][]byte, rand io.Reader) (Proof, error) {
	if !contains(set, element) {
		return Proof{}, ErrNotMember
	}
	blinding, err := nonce(rand)
	if err != nil {
		return Proof{}, err
	}
	setCommitment := SetCommitment(set)
	leaf := digest(tagMember, element, setCommitment, blinding)

	public := append(append([]byte{}, setCommitment...), leaf...)

	data := append([]byte{}, blinding...)
	data = appendBlob(data, element)
	data = binary.BigEndian.AppendUint32(data, uint32(len(set)))
	for _, e := range set {
		data = appendBlob(data, e)
	}
	return Proof{Kind: KindMembership, Data: data, PublicInputs: public}, nil
}

// SetCommitment hashes the sorted set.
func SetCommitment(set [][]byte) []byte {
	sorted := make([][]byte, len(set))
	copy(sorted, set)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	h := sha256.New()
	h.Write(tagSet)
	var n [4]byte
	for _, e := range sorted {
		binary.BigEndian.PutUint32(n[:], uint32(len(e)))
		h.Write(n[:])
		h.Write(e)
	}
	return h.Sum(nil)
}

// Verify checks p according to its own kind.
func Verify(p Proof) error {
	switch p.Kind {
	case KindKnowledge:
		return verifyKnowledge(p)
	case KindRange:
		_, err := verifyRange(p)
		return err
	case KindMembership:
		_, err := verifyMembership(p)
		return err
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(p.Kind))
	}
}

// VerifyAs checks p and requires it to be of the expected kind. A mismatch is
// an error, never a silent false.
func VerifyAs(expected Kind, p Proof) error {
	if p.Kind != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrKindMismatch, expected, p.Kind)
	}
	return Verify(p)
}

// RangeValue verifies a range proof and returns the committed value.
func RangeValue(p Proof) (uint64, error) {
	if p.Kind != KindRange {
		return 0, fmt.Errorf("%w: expected %s, got %s", ErrKindMismatch, KindRange, p.Kind)
	}
	return verifyRange(p)
}

// MemberElement verifies a membership proof and returns the proven element.
func MemberElement(p Proof) ([]byte, error) {
	if p.Kind != KindMembership {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrKindMismatch, KindMembership, p.Kind)
	}
	return verifyMembership(p)
}

func verifyKnowledge(p Proof) error {
	if len(p.Data) != 4*hashSize || len(p.PublicInputs) != hashSize {
		return ErrMalformed
	}
	r := p.Data[:hashSize]
	commitment := p.Data[hashSize : 2*hashSize]
	challenge := p.Data[2*hashSize : 3*hashSize]
	response := p.Data[3*hashSize:]

	if !bytes.Equal(commitment, digest(tagKnowCommit, r, p.PublicInputs)) ||
		!bytes.Equal(challenge, digest(tagKnowChal, commitment, p.PublicInputs)) ||
		!bytes.Equal(response, digest(tagKnowResp, r, challenge)) {
		return ErrVerification
	}
	return nil
}

func verifyRange(p Proof) (uint64, error) {
	if len(p.Data) != hashSize+8 || len(p.PublicInputs) != 16+hashSize {
		return 0, ErrMalformed
	}
	lo := binary.BigEndian.Uint64(p.PublicInputs[0:8])
	hi := binary.BigEndian.Uint64(p.PublicInputs[8:16])
	commitment := p.PublicInputs[16:]
	blinding := p.Data[:hashSize]
	value := binary.BigEndian.Uint64(p.Data[hashSize:])

	if !bytes.Equal(commitment, digest(tagRange, u64(value), blinding)) {
		return 0, ErrVerification
	}
	if value < lo || value > hi {
		return 0, ErrOutOfRange
	}
	return value, nil
}

func verifyMembership(p Proof) ([]byte, error) {
	if len(p.PublicInputs) != 2*hashSize || len(p.Data) < hashSize {
		return nil, ErrMalformed
	}
	setCommitment := p.PublicInputs[:hashSize]
	leaf := p.PublicInputs[hashSize:]
	blinding := p.Data[:hashSize]
	rest := p.Data[hashSize:]

	element, rest, err := consumeBlob(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, ErrMalformed
	}
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(count) > uint64(len(rest))/4+1 {
		return nil, ErrMalformed
	}
	set := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var e []byte
		e, rest, err = consumeBlob(rest)
		if err != nil {
			return nil, err
		}
		set = append(set, e)
	}
	if len(rest) != 0 {
		return nil, ErrMalformed
	}

	if !bytes.Equal(setCommitment, SetCommitment(set)) ||
		!bytes.Equal(leaf, digest(tagMember, element, setCommitment, blinding)) {
		return nil, ErrVerification
	}
	if !contains(set, element) {
		return nil, ErrNotMember
	}
	return element, nil
}

func digest(parts ...[]byte) []byte {
	h := sha256.New()
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func nonce(rand io.Reader) ([]byte, error) {
	b := make([]byte, hashSize)
	if _, err := io.ReadFull(rand, b); err != nil {
		return nil, fmt.Errorf("proof nonce: %w", err)
	}
	return b, nil
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func contains(set [][]byte, element []byte) bool {
	for _, e := range set {
		if bytes.Equal(e, element) {
			return true
		}
	}
	return false
}

func appendBlob(b, blob []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(blob)))
	return append(b, blob...)
}

func consumeBlob(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, ErrMalformed
	}
	return b[:n], b[n:], nil
}
