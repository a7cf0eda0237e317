package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
	"github.com/danieljoseph18/V2-Perps-sub004/internal/fixed"
)

// The wire formats mirror the keeper producers: snake_case JSON, UUIDs as
// strings, and every scaled quantity as a raw decimal integer string
// (1e30-scaled USD, 1e18-scaled wads, token-native amounts). Token base
// units travel as decimal counts, not raw scales.

// ParseRequest converts a request payload into a typed engine.Request,
// dispatching on the "kind" field.
func ParseRequest(data []byte) (engine.Request, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse request envelope: %w", err)
	}

	switch probe.Kind {
	case "create_position":
		return parseCreatePosition(data)
	case "increase_size":
		return parseIncreaseSize(data)
	case "decrease_size":
		return parseDecreaseSize(data)
	case "increase_collateral":
		return parseCollateralEdit(data, true)
	case "decrease_collateral":
		return parseCollateralEdit(data, false)
	case "full_close":
		return parseFullClose(data)
	case "liquidate":
		return parseLiquidate(data)
	case "adl":
		return parseADL(data)
	default:
		return nil, fmt.Errorf("unknown request kind: %q", probe.Kind)
	}
}

type requestMetaJSON struct {
	RequestKey string `json:"request_key"`
	Instrument string `json:"instrument"`
	UserID     string `json:"user_id"`
	Side       string `json:"side"` // "long" or "short"
	CreatedAt  int64  `json:"created_at"`
}

func parseMeta(j requestMetaJSON) (engine.Meta, error) {
	key, err := uuid.Parse(j.RequestKey)
	if err != nil {
		return engine.Meta{}, fmt.Errorf("parse request_key: %w", err)
	}
	user, err := uuid.Parse(j.UserID)
	if err != nil {
		return engine.Meta{}, fmt.Errorf("parse user_id: %w", err)
	}
	isLong, err := parseSide(j.Side)
	if err != nil {
		return engine.Meta{}, err
	}
	return engine.Meta{
		RequestKey: key,
		Instrument: j.Instrument,
		User:       user,
		IsLong:     isLong,
		Created:    j.CreatedAt,
	}, nil
}

func parseSide(s string) (bool, error) {
	switch s {
	case "long":
		return true, nil
	case "short":
		return false, nil
	default:
		return false, fmt.Errorf("unknown side: %q", s)
	}
}

func parseRawInt(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", field, s)
	}
	return v, nil
}

func parseUSD(field, s string) (fixed.USD, error) {
	v, err := parseRawInt(field, s)
	if err != nil {
		return fixed.ZeroUSD(), err
	}
	return fixed.NewUSD(v), nil
}

func parseTokens(field, s string) (fixed.Tokens, error) {
	v, err := parseRawInt(field, s)
	if err != nil {
		return fixed.ZeroTokens(), err
	}
	return fixed.NewTokens(v), nil
}

func parseOptionalKey(field, s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	k, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &k, nil
}

type createPositionJSON struct {
	requestMetaJSON
	CollateralToken string `json:"collateral_token"`
	CollateralDelta string `json:"collateral_delta"`
	SizeDeltaUsd    string `json:"size_delta_usd"`
	AcceptablePrice string `json:"acceptable_price,omitempty"`
	StopLossKey     string `json:"stop_loss_key,omitempty"`
	TakeProfitKey   string `json:"take_profit_key,omitempty"`
}

func parseCreatePosition(data []byte) (*engine.CreatePosition, error) {
	var j createPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse create_position: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	collateral, err := parseTokens("collateral_delta", j.CollateralDelta)
	if err != nil {
		return nil, err
	}
	size, err := parseUSD("size_delta_usd", j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseUSD("acceptable_price", j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	sl, err := parseOptionalKey("stop_loss_key", j.StopLossKey)
	if err != nil {
		return nil, err
	}
	tp, err := parseOptionalKey("take_profit_key", j.TakeProfitKey)
	if err != nil {
		return nil, err
	}
	return &engine.CreatePosition{
		Meta:            meta,
		CollateralToken: j.CollateralToken,
		CollateralDelta: collateral,
		SizeDeltaUsd:    size,
		AcceptablePrice: acceptable,
		StopLossKey:     sl,
		TakeProfitKey:   tp,
	}, nil
}

type increaseSizeJSON struct {
	requestMetaJSON
	CollateralDelta string `json:"collateral_delta,omitempty"`
	SizeDeltaUsd    string `json:"size_delta_usd"`
	AcceptablePrice string `json:"acceptable_price,omitempty"`
}

func parseIncreaseSize(data []byte) (*engine.IncreaseSize, error) {
	var j increaseSizeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse increase_size: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	collateral, err := parseTokens("collateral_delta", j.CollateralDelta)
	if err != nil {
		return nil, err
	}
	size, err := parseUSD("size_delta_usd", j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseUSD("acceptable_price", j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	return &engine.IncreaseSize{
		Meta:            meta,
		CollateralDelta: collateral,
		SizeDeltaUsd:    size,
		AcceptablePrice: acceptable,
	}, nil
}

type decreaseSizeJSON struct {
	requestMetaJSON
	SizeDeltaUsd    string `json:"size_delta_usd"`
	AcceptablePrice string `json:"acceptable_price,omitempty"`
}

func parseDecreaseSize(data []byte) (*engine.DecreaseSize, error) {
	var j decreaseSizeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse decrease_size: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	size, err := parseUSD("size_delta_usd", j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseUSD("acceptable_price", j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	return &engine.DecreaseSize{
		Meta:            meta,
		SizeDeltaUsd:    size,
		AcceptablePrice: acceptable,
	}, nil
}

type collateralEditJSON struct {
	requestMetaJSON
	CollateralDelta string `json:"collateral_delta"`
}

func parseCollateralEdit(data []byte, increase bool) (engine.Request, error) {
	var j collateralEditJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse collateral edit: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	collateral, err := parseTokens("collateral_delta", j.CollateralDelta)
	if err != nil {
		return nil, err
	}
	if increase {
		return &engine.IncreaseCollateral{Meta: meta, CollateralDelta: collateral}, nil
	}
	return &engine.DecreaseCollateral{Meta: meta, CollateralDelta: collateral}, nil
}

type fullCloseJSON struct {
	requestMetaJSON
	AcceptablePrice string `json:"acceptable_price,omitempty"`
}

func parseFullClose(data []byte) (*engine.FullClose, error) {
	var j fullCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse full_close: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseUSD("acceptable_price", j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	return &engine.FullClose{Meta: meta, AcceptablePrice: acceptable}, nil
}

type liquidateJSON struct {
	requestMetaJSON
	LiquidatorID string `json:"liquidator_id"`
}

func parseLiquidate(data []byte) (*engine.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	liquidator, err := uuid.Parse(j.LiquidatorID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator_id: %w", err)
	}
	return &engine.Liquidate{Meta: meta, Liquidator: liquidator}, nil
}

type adlJSON struct {
	requestMetaJSON
	SizeDeltaUsd string `json:"size_delta_usd"`
}

func parseADL(data []byte) (*engine.ADL, error) {
	var j adlJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse adl: %w", err)
	}
	meta, err := parseMeta(j.requestMetaJSON)
	if err != nil {
		return nil, err
	}
	size, err := parseUSD("size_delta_usd", j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	return &engine.ADL{Meta: meta, SizeDeltaUsd: size}, nil
}

// --- Cancellations ---

type cancelJSON struct {
	RequestKey string `json:"request_key"`
}

// ParseCancel extracts the request key a keeper wants removed.
func ParseCancel(data []byte) (uuid.UUID, error) {
	var j cancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return uuid.Nil, fmt.Errorf("parse cancel: %w", err)
	}
	key, err := uuid.Parse(j.RequestKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse request_key: %w", err)
	}
	return key, nil
}

// --- Execution triggers ---

type priceTripleJSON struct {
	Min string `json:"min"`
	Med string `json:"med"`
	Max string `json:"max"`
}

type executionJSON struct {
	RequestKey   string                     `json:"request_key"`
	Timestamp    int64                      `json:"timestamp"`
	PoolValueUsd string                     `json:"pool_value_usd"`
	Prices       map[string]priceTripleJSON `json:"prices"`
	BaseUnits    map[string]int             `json:"base_unit_decimals"`
}

// ParseExecution extracts an execution trigger: the request key plus the
// signed price context presented by the keeper.
func ParseExecution(data []byte) (uuid.UUID, *engine.PriceContext, error) {
	var j executionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return uuid.Nil, nil, fmt.Errorf("parse execution: %w", err)
	}
	key, err := uuid.Parse(j.RequestKey)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("parse request_key: %w", err)
	}

	poolValue, err := parseUSD("pool_value_usd", j.PoolValueUsd)
	if err != nil {
		return uuid.Nil, nil, err
	}

	prices := make(map[string]engine.PriceTriple, len(j.Prices))
	for asset, t := range j.Prices {
		minP, err := parseUSD(asset+".min", t.Min)
		if err != nil {
			return uuid.Nil, nil, err
		}
		medP, err := parseUSD(asset+".med", t.Med)
		if err != nil {
			return uuid.Nil, nil, err
		}
		maxP, err := parseUSD(asset+".max", t.Max)
		if err != nil {
			return uuid.Nil, nil, err
		}
		prices[asset] = engine.PriceTriple{Min: minP, Med: medP, Max: maxP}
	}

	baseUnits := make(map[string]*big.Int, len(j.BaseUnits))
	for token, decimals := range j.BaseUnits {
		if decimals < 0 || decimals > 30 {
			return uuid.Nil, nil, fmt.Errorf("base unit decimals for %s out of range: %d", token, decimals)
		}
		baseUnits[token] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	}

	return key, &engine.PriceContext{
		Timestamp:    j.Timestamp,
		Prices:       prices,
		BaseUnits:    baseUnits,
		PoolValueUsd: poolValue,
	}, nil
}
