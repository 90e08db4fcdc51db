// Package billing turns extracted usage plus a catalog price into the
// immutable snapshot values persisted with every request log.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/causewayapi/causeway/model"
	relaymodel "github.com/causewayapi/causeway/relay/model"
	"github.com/causewayapi/causeway/relay/pricing"
)

// costPlaces is the USD precision stored on snapshots.
const costPlaces = 6

var million = decimal.NewFromInt(1_000_000)

// Outcome is the billing result for one request.
type Outcome struct {
	FinalCostUSD float64
	Status       string
	// Reason is set only when Status is unbilled.
	Reason string
}

// Compute prices one request. The price may be nil (unknown model) and the
// usage may be zero (no usage block in the response); both produce an
// unbilled outcome rather than an error so the relay path never blocks on
// billing.
func Compute(usage *relaymodel.Usage, price *pricing.Price, inputMult, outputMult float64) Outcome {
	if usage == nil || usage.IsZero() {
		if usage != nil && usage.ParseFailed {
			return Outcome{Status: model.BillingStatusUnbilled, Reason: model.UnbillableParseError}
		}
		return Outcome{Status: model.BillingStatusUnbilled, Reason: model.UnbillableNoUsage}
	}
	if price == nil {
		return Outcome{Status: model.BillingStatusUnbilled, Reason: model.UnbillableNoPrice}
	}

	cost := term(usage.PromptTokens, price.InputPricePerMillion, inputMult).
		Add(term(usage.CompletionTokens, price.OutputPricePerMillion, outputMult))
	if price.CacheReadInputPricePerMillion != nil {
		cost = cost.Add(term(usage.CacheReadTokens, *price.CacheReadInputPricePerMillion, 1))
	}
	if price.CacheWriteInputPricePerMillion != nil {
		cost = cost.Add(term(usage.CacheCreationTokens, *price.CacheWriteInputPricePerMillion, 1))
	}

	final, _ := cost.Div(million).Round(costPlaces).Float64()
	return Outcome{FinalCostUSD: final, Status: model.BillingStatusBilled}
}

func term(tokens int64, pricePerMillion, multiplier float64) decimal.Decimal {
	return decimal.NewFromInt(tokens).
		Mul(decimal.NewFromFloat(pricePerMillion)).
		Mul(decimal.NewFromFloat(multiplier))
}

// Snapshot assembles the persisted billing snapshot for a finished request.
// Price fields stay nil when no price was known so history records exactly
// what billing saw.
func Snapshot(logId string, upstreamId *int64, modelName string,
	usage *relaymodel.Usage, price *pricing.Price, inputMult, outputMult float64) *model.RequestBillingSnapshot {

	if usage == nil {
		usage = &relaymodel.Usage{}
	}
	outcome := Compute(usage, price, inputMult, outputMult)

	snap := &model.RequestBillingSnapshot{
		RequestLogId:        logId,
		UpstreamId:          upstreamId,
		Model:               modelName,
		InputMultiplier:     inputMult,
		OutputMultiplier:    outputMult,
		PromptTokens:        usage.PromptTokens,
		CompletionTokens:    usage.CompletionTokens,
		TotalTokens:         usage.TotalTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		FinalCostUSD:        outcome.FinalCostUSD,
		BillingStatus:       outcome.Status,
		UnbillableReason:    outcome.Reason,
	}
	if price != nil {
		in, out := price.InputPricePerMillion, price.OutputPricePerMillion
		snap.InputPricePerMillion = &in
		snap.OutputPricePerMillion = &out
		snap.CacheReadPricePerMillion = price.CacheReadInputPricePerMillion
		snap.CacheWritePricePerMillion = price.CacheWriteInputPricePerMillion
		snap.PriceSource = price.Source
	}
	return snap
}
