package compliance

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2a-settlement/exchange/internal/ledger"
)

// TSAClient requests an RFC 3161 timestamp token over a digest. Satisfied
// by tsa.Client; declared here so this package doesn't force a dependency
// on the TSA wire format for callers that configure no endpoint.
type TSAClient interface {
	Request(ctx context.Context, digest [32]byte) (Token, error)
}

// Token is the subset of tsa.Token this package persists.
type Token struct {
	DER          []byte
	SerialNumber string
	TSATime      time.Time
}

// Service appends a Merkle leaf for every resolved dispute and, when a TSA
// is configured, anchors the plain SHA-256 digest of the attestation
// payload (not the domain-separated leaf hash) with an RFC 3161 timestamp.
// Implements ledger.ComplianceRecorder.
type Service struct {
	tree   *Tree
	leaves LeafStore
	stamps TimestampStore
	tsa    TSAClient
	logger *slog.Logger
}

func NewService(nodes NodeStore, leaves LeafStore, stamps TimestampStore, tsaClient TSAClient, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tree: NewTree(nodes), leaves: leaves, stamps: stamps, tsa: tsaClient, logger: logger}
}

// RecordDisputeResolution appends an attestation for a resolved escrow and
// anchors it with a timestamp authority when one is configured. A TSA
// failure is logged, not returned: the Merkle append already committed the
// record, and the exchange's transaction already resolved — compliance
// anchoring is best-effort on top of that.
func (s *Service) RecordDisputeResolution(ctx context.Context, e *ledger.Escrow) error {
	resolvedAt := time.Now().UTC()
	if e.ResolvedAt != nil {
		resolvedAt = *e.ResolvedAt
	}
	att := Attestation{
		EscrowID:      e.ID,
		RequesterID:   e.RequesterID,
		ProviderID:    e.ProviderID,
		Amount:        e.Amount,
		FeeAmount:     e.FeeAmount,
		Status:        string(e.Status),
		Resolution:    e.Resolution,
		DisputeReason: e.DisputeReason,
		ResolvedAt:    resolvedAt,
	}

	payload, err := CanonicalPayload(att)
	if err != nil {
		return fmt.Errorf("compliance: canonicalize attestation: %w", err)
	}
	leafHash := hashLeaf(payload)

	root, position, err := s.tree.Append(ctx, leafHash)
	if err != nil {
		return fmt.Errorf("compliance: append leaf: %w", err)
	}

	if err := s.leaves.AppendLeaf(ctx, &Leaf{
		Position:  position,
		Hash:      toHex(leafHash),
		Payload:   payload,
		CreatedAt: resolvedAt,
	}); err != nil {
		return fmt.Errorf("compliance: persist leaf: %w", err)
	}

	s.logger.Info("compliance: attestation recorded", "escrow_id", e.ID, "leaf_position", position, "root", root)

	if s.tsa == nil {
		return nil
	}

	digest := sha256.Sum256(payload)
	tok, err := s.tsa.Request(ctx, digest)
	if err != nil {
		s.logger.Warn("compliance: tsa request failed", "escrow_id", e.ID, "leaf_position", position, "err", err)
		return nil
	}

	if err := s.stamps.SaveTimestamp(ctx, &TimestampRecord{
		LeafPosition: position,
		Token:        tok.DER,
		SerialNumber: tok.SerialNumber,
		TSATime:      tok.TSATime,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("compliance: persist timestamp failed", "escrow_id", e.ID, "leaf_position", position, "err", err)
	}

	return nil
}

// CurrentRoot returns the compliance log's current Merkle root.
func (s *Service) CurrentRoot(ctx context.Context) (string, error) {
	return s.tree.CurrentRoot(ctx)
}
