package db

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// SaveAssessment records the risk engine's verdict on one intent. Assessment
// ids derive from the intent id, so a redelivered intent converges on one
// row. The derived stop and take-profit levels ride in metadata.
func (db *DB) SaveAssessment(ctx context.Context, a *protocol.RiskAssessment) error {
	query := `
		INSERT INTO risk_assessments (
			id, intent_id, symbol, risk_score, position_size, var_estimate,
			max_loss, approved, rejection_reason, assessed_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (id) DO NOTHING
	`

	meta := map[string]any{}
	if !a.StopLoss.IsZero() {
		meta["stop_loss_price"] = a.StopLoss.String()
	}
	if !a.TakeProfit.IsZero() {
		meta["take_profit_price"] = a.TakeProfit.String()
	}
	metaJSON, err := metadataJSON(meta)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx, query,
		a.ID,
		a.IntentID,
		a.Symbol,
		a.RiskScore,
		a.Quantity,
		nullDecimal(a.ValueAtRisk),
		nullDecimal(a.MaxLoss),
		a.Approved,
		nullString(string(a.Reason)),
		a.AssessedAt,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("save risk assessment: %w", err)
	}
	return nil
}
