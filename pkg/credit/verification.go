package credit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"

	"github.com/infomesh/node/pkg/identity"
)

// DefaultSampleSize is how many entries a proof samples when the caller
// does not specify one.
const DefaultSampleSize = 10

// ProofStep is one sibling hash on a Merkle inclusion path, ordered
// leaf-to-root.
type ProofStep struct {
	Hash   string
	IsLeft bool // true if the sibling is the left node (i.e. this node is on the right)
}

// Proof is a sampled, verifiable claim of a peer's ledger contents: a
// Merkle root over every signed entry's hash, a signature over that root, and a
// sample of individual entries each with their own signature and
// inclusion proof.
type Proof struct {
	PeerID          string
	EntryCount      int64
	TotalEarned     float64
	ActionBreakdown map[ActionType]float64
	SampleEntries   []Entry
	SampleProofs    [][]ProofStep
	MerkleRoot      string
	RootSignature   string // hex Ed25519 signature over MerkleRoot
	PublicKey       string // hex Ed25519 public key
	RequestID       string
}

func hashPairHex(left, right string) (string, error) {
	l, err := hex.DecodeString(left)
	if err != nil {
		return "", fmt.Errorf("credit: decode left hash: %w", err)
	}
	r, err := hex.DecodeString(right)
	if err != nil {
		return "", fmt.Errorf("credit: decode right hash: %w", err)
	}
	sum := sha256.Sum256(append(l, r...))
	return hex.EncodeToString(sum[:]), nil
}

// buildMerkleLevels returns every level of the tree, levels[0] being the
// leaves and the last level holding the single root. An odd level
// duplicates its final node before pairing, per spec §4.15.
func buildMerkleLevels(leaves []string) ([][]string, error) {
	if len(leaves) == 0 {
		return nil, nil
	}
	levels := [][]string{leaves}
	current := leaves
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}
		next := make([]string, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			h, err := hashPairHex(current[i], current[i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, h)
		}
		levels = append(levels, next)
		current = next
	}
	return levels, nil
}

// merkleProofFor builds the leaf-to-root inclusion proof for the leaf at
// index within levels.
func merkleProofFor(levels [][]string, index int) []ProofStep {
	var steps []ProofStep
	for lvl := 0; lvl < len(levels)-1; lvl++ {
		nodes := levels[lvl]
		isRightChild := index%2 == 1
		var siblingIdx int
		if isRightChild {
			siblingIdx = index - 1
		} else {
			siblingIdx = index + 1
			if siblingIdx >= len(nodes) {
				siblingIdx = index // duplicated tail
			}
		}
		steps = append(steps, ProofStep{Hash: nodes[siblingIdx], IsLeft: isRightChild})
		index /= 2
	}
	return steps
}

// verifyMerkleProof replays proof against leafHash and checks the
// resulting root matches root.
func verifyMerkleProof(leafHash string, proof []ProofStep, root string) bool {
	current := leafHash
	for _, step := range proof {
		var err error
		if step.IsLeft {
			current, err = hashPairHex(step.Hash, current)
		} else {
			current, err = hashPairHex(current, step.Hash)
		}
		if err != nil {
			return false
		}
	}
	return current == root
}

// ProofRequest is the wire payload for MsgCreditProofRequest
// (protocol /infomesh/credit/1.0.0): a peer asking another for a
// sampled proof of its claimed contribution.
type ProofRequest struct {
	RequesterPeerID string `msgpack:"requester_peer_id"`
	RequestID       string `msgpack:"request_id"`
	SampleSize      int    `msgpack:"sample_size"`
	Timestamp       int64  `msgpack:"timestamp"`
}

// ProofResponse is the wire payload for MsgCreditProofResponse: a
// Proof flattened for msgpack transport (Entry and ProofStep are
// marshaled as nested maps rather than the richer in-process types).
type ProofResponse struct {
	PeerID          string             `msgpack:"peer_id"`
	RequestID       string             `msgpack:"request_id"`
	TotalEarned     float64            `msgpack:"total_earned"`
	TotalSpent      float64            `msgpack:"total_spent"`
	ActionBreakdown map[string]float64 `msgpack:"action_breakdown"`
	EntryCount      int64              `msgpack:"entry_count"`
	MerkleRoot      string             `msgpack:"merkle_root"`
	RootSignature   string             `msgpack:"root_signature"`
	SampleEntries   []wireEntry        `msgpack:"sample_entries"`
	SampleProofs    [][]wireProofStep  `msgpack:"sample_proofs"`
	Timestamp       int64              `msgpack:"timestamp"`
	PublicKey       string             `msgpack:"public_key"`
}

// wireEntry is Entry's msgpack-tagged wire shape.
type wireEntry struct {
	Action     string  `msgpack:"action"`
	Quantity   float64 `msgpack:"quantity"`
	Weight     float64 `msgpack:"weight"`
	Multiplier float64 `msgpack:"multiplier"`
	Credits    float64 `msgpack:"credits"`
	Timestamp  float64 `msgpack:"timestamp"`
	Note       string  `msgpack:"note"`
	EntryHash  string  `msgpack:"entry_hash"`
	Signature  string  `msgpack:"signature"`
}

// wireProofStep is ProofStep's msgpack-tagged wire shape.
type wireProofStep struct {
	Hash   string `msgpack:"hash"`
	IsLeft bool   `msgpack:"is_left"`
}

// ToWire flattens proof into its msgpack wire representation.
func (p Proof) ToWire() ProofResponse {
	breakdown := make(map[string]float64, len(p.ActionBreakdown))
	for action, credits := range p.ActionBreakdown {
		breakdown[string(action)] = credits
	}
	entries := make([]wireEntry, len(p.SampleEntries))
	for i, e := range p.SampleEntries {
		entries[i] = wireEntry{
			Action: string(e.Action), Quantity: e.Quantity, Weight: e.Weight, Multiplier: e.Multiplier,
			Credits: e.Credits, Timestamp: e.Timestamp, Note: e.Note, EntryHash: e.EntryHash, Signature: e.Signature,
		}
	}
	proofs := make([][]wireProofStep, len(p.SampleProofs))
	for i, steps := range p.SampleProofs {
		ws := make([]wireProofStep, len(steps))
		for j, s := range steps {
			ws[j] = wireProofStep{Hash: s.Hash, IsLeft: s.IsLeft}
		}
		proofs[i] = ws
	}
	return ProofResponse{
		PeerID: p.PeerID, RequestID: p.RequestID, TotalEarned: p.TotalEarned, ActionBreakdown: breakdown,
		EntryCount: p.EntryCount, MerkleRoot: p.MerkleRoot, RootSignature: p.RootSignature,
		SampleEntries: entries, SampleProofs: proofs, PublicKey: p.PublicKey,
	}
}

// FromWire reconstructs a Proof from its wire representation.
func FromWire(w ProofResponse) Proof {
	breakdown := make(map[ActionType]float64, len(w.ActionBreakdown))
	for action, credits := range w.ActionBreakdown {
		breakdown[ActionType(action)] = credits
	}
	entries := make([]Entry, len(w.SampleEntries))
	for i, e := range w.SampleEntries {
		entries[i] = Entry{
			Action: ActionType(e.Action), Quantity: e.Quantity, Weight: e.Weight, Multiplier: e.Multiplier,
			Credits: e.Credits, Timestamp: e.Timestamp, Note: e.Note, EntryHash: e.EntryHash, Signature: e.Signature,
		}
	}
	proofs := make([][]ProofStep, len(w.SampleProofs))
	for i, steps := range w.SampleProofs {
		ps := make([]ProofStep, len(steps))
		for j, s := range steps {
			ps[j] = ProofStep{Hash: s.Hash, IsLeft: s.IsLeft}
		}
		proofs[i] = ps
	}
	return Proof{
		PeerID: w.PeerID, RequestID: w.RequestID, TotalEarned: w.TotalEarned, ActionBreakdown: breakdown,
		EntryCount: w.EntryCount, MerkleRoot: w.MerkleRoot, RootSignature: w.RootSignature,
		SampleEntries: entries, SampleProofs: proofs, PublicKey: w.PublicKey,
	}
}

// ProofBuilder builds and verifies sampled credit proofs for one
// ledger/key pair.
type ProofBuilder struct {
	ledger  *Ledger
	keyPair *identity.KeyPair
}

// NewProofBuilder constructs a ProofBuilder over ledger, signing with
// keyPair.
func NewProofBuilder(ledger *Ledger, keyPair *identity.KeyPair) *ProofBuilder {
	return &ProofBuilder{ledger: ledger, keyPair: keyPair}
}

// BuildProof draws a uniform random sample (without replacement) of up
// to sampleSize entries and produces a Proof a requester can verify
// without trusting this node's database directly. Sampling uniformly
// rather than always taking the newest entries means a verifier's
// repeated challenges eventually cover the whole ledger, so no entry is
// permanently safe from being spot-checked.
func (b *ProofBuilder) BuildProof(sampleSize int, requestID string) (Proof, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	stats, err := b.ledger.Stats()
	if err != nil {
		return Proof{}, err
	}
	breakdown, err := b.ledger.ActionBreakdown()
	if err != nil {
		return Proof{}, err
	}
	all, err := b.ledger.SignedEntries()
	if err != nil {
		return Proof{}, err
	}

	proof := Proof{
		PeerID:          b.keyPair.PeerID(),
		EntryCount:      int64(len(all)),
		TotalEarned:     stats.TotalEarned,
		ActionBreakdown: breakdown,
		PublicKey:       hex.EncodeToString(b.keyPair.PublicKeyBytes()),
		RequestID:       requestID,
	}

	if len(all) == 0 {
		proof.SampleEntries = []Entry{}
		proof.SampleProofs = [][]ProofStep{}
		return proof, nil
	}

	leaves := make([]string, len(all))
	for i, e := range all {
		leaves[i] = e.EntryHash
	}
	levels, err := buildMerkleLevels(leaves)
	if err != nil {
		return Proof{}, err
	}
	root := levels[len(levels)-1][0]
	proof.MerkleRoot = root
	proof.RootSignature = hex.EncodeToString(b.keyPair.Sign([]byte(root)))

	n := sampleSize
	if n > len(all) {
		n = len(all)
	}
	indices := rand.Perm(len(all))[:n]
	sort.Ints(indices)

	proof.SampleEntries = make([]Entry, n)
	proof.SampleProofs = make([][]ProofStep, n)
	for i, idx := range indices {
		proof.SampleEntries[i] = all[idx]
		proof.SampleProofs[i] = merkleProofFor(levels, idx)
	}
	return proof, nil
}

// VerifyResult is the outcome of checking a Proof produced by a (possibly
// untrusted) peer.
type VerifyResult struct {
	Verified          bool
	MerkleRootValid   bool
	ValidSignatures   int
	InvalidSignatures int
	ValidProofs       int
	InvalidProofs     int
	Detail            string
}

// VerifyProof independently checks every claim in proof: the root
// signature, each sampled entry's hash and signature, and each sampled
// entry's Merkle inclusion path. It trusts nothing from proof.PeerID's
// own database — only the embedded public key and the math.
func VerifyProof(proof Proof) VerifyResult {
	if proof.EntryCount == 0 {
		return VerifyResult{Verified: true, MerkleRootValid: true, Detail: "empty_ledger"}
	}

	pubBytes, err := hex.DecodeString(proof.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return VerifyResult{Verified: false, Detail: "invalid_public_key"}
	}
	pub := ed25519.PublicKey(pubBytes)

	rootSig, err := hex.DecodeString(proof.RootSignature)
	merkleRootValid := err == nil && ed25519.Verify(pub, []byte(proof.MerkleRoot), rootSig)

	result := VerifyResult{MerkleRootValid: merkleRootValid}

	for i, entry := range proof.SampleEntries {
		canonical := canonicalEntry(entry.Action, entry.Quantity, entry.Weight, entry.Multiplier, entry.Credits, entry.Timestamp, entry.Note)
		expectedHash := entryHashHex(canonical)

		sigBytes, sigErr := hex.DecodeString(entry.Signature)
		sigOK := sigErr == nil && entry.Signature != "" && ed25519.Verify(pub, canonical, sigBytes)
		hashOK := expectedHash == entry.EntryHash

		if hashOK && sigOK {
			result.ValidSignatures++
		} else {
			result.InvalidSignatures++
		}

		var proofSteps []ProofStep
		if i < len(proof.SampleProofs) {
			proofSteps = proof.SampleProofs[i]
		}
		if verifyMerkleProof(entry.EntryHash, proofSteps, proof.MerkleRoot) {
			result.ValidProofs++
		} else {
			result.InvalidProofs++
		}
	}

	result.Verified = merkleRootValid && result.InvalidSignatures == 0 && result.InvalidProofs == 0
	switch {
	case !merkleRootValid:
		result.Detail = "merkle_root_invalid"
	case result.InvalidSignatures > 0:
		result.Detail = "invalid_entry_signature"
	case result.InvalidProofs > 0:
		result.Detail = "invalid_merkle_proof"
	default:
		result.Detail = "ok"
	}
	return result
}
