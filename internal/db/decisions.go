package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/tradefabric/internal/fusion"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// SaveDecision persists one fusion outcome in a single transaction: the
// strategy_decisions row plus an archive row for every signal it consumed.
// A signal can contribute to several decisions; its archive row inserts
// once. Decision ids derive from the intent id so a replay converges.
func (db *DB) SaveDecision(ctx context.Context, rec fusion.DecisionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decision transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var details []byte
	if len(rec.Decision.Diagnostics) > 0 {
		details, err = json.Marshal(rec.Decision.Diagnostics)
		if err != nil {
			return fmt.Errorf("marshal fusion diagnostics: %w", err)
		}
	}

	query := `
		INSERT INTO strategy_decisions (
			id, symbol, direction, confidence, fusion_method, num_signals,
			reasoning, fusion_details, price_target, stop_loss, take_profit, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO NOTHING
	`

	decisionID := uuid.NewSHA1(rec.IntentID, []byte("decision"))
	_, err = tx.Exec(ctx, query,
		decisionID,
		rec.Symbol,
		rec.Decision.Direction,
		rec.Decision.Confidence,
		rec.Decision.Method,
		len(rec.Signals),
		nullString(rec.Reasoning),
		details,
		nullDecimal(rec.PriceTarget),
		nullDecimal(rec.StopLoss),
		nullDecimal(rec.TakeProfit),
		rec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert strategy decision: %w", err)
	}

	for i := range rec.Signals {
		if err := insertSignal(ctx, tx, &rec.Signals[i], rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit decision transaction: %w", err)
	}
	return nil
}

// insertSignal archives one consumed signal. valid_until marks the end of
// the retention window it was live under; hints and attributes ride in
// metadata since they vary by agent kind.
func insertSignal(ctx context.Context, tx pgx.Tx, sig *protocol.Signal, rec fusion.DecisionRecord) error {
	query := `
		INSERT INTO signals (
			id, agent_kind, symbol, direction, confidence, reasoning,
			created_at, valid_until, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (id) DO NOTHING
	`

	meta, err := signalMetadata(sig)
	if err != nil {
		return err
	}

	validUntil := sig.CreatedAt.Add(rec.SignalRetention)
	_, err = tx.Exec(ctx, query,
		sig.ID,
		sig.AgentKind,
		sig.Symbol,
		sig.Direction,
		sig.Confidence,
		nullString(sig.Reasoning),
		sig.CreatedAt,
		validUntil,
		meta,
	)
	if err != nil {
		return fmt.Errorf("archive signal %s: %w", sig.ID, err)
	}
	return nil
}

func signalMetadata(sig *protocol.Signal) ([]byte, error) {
	meta := map[string]any{}
	if !sig.PriceHint.IsZero() {
		meta["price_hint"] = sig.PriceHint.String()
	}
	if !sig.StopHint.IsZero() {
		meta["stop_hint"] = sig.StopHint.String()
	}
	if !sig.TPHint.IsZero() {
		meta["take_profit_hint"] = sig.TPHint.String()
	}
	if len(sig.Attributes) > 0 {
		meta["attributes"] = sig.Attributes
	}
	return metadataJSON(meta)
}
