package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for escrowd telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrAsset captures the asset identifier a measure refers to.
	AttrAsset = attribute.Key("asset")
	// AttrAssetSide distinguishes the maker's source side from the taker-delivered destination side.
	AttrAssetSide = attribute.Key("asset.side")
	// AttrLegKind labels transfer-leg metrics with the leg's purpose (maker_payout, retry, ...).
	AttrLegKind = attribute.Key("leg.kind")
	// AttrResult records the outcome of an operation (success, failure, unknown).
	AttrResult = attribute.Key("result")
	// AttrCloseReason explains who or what closed an escrow.
	AttrCloseReason = attribute.Key("close.reason")
	// AttrErrorCode categorizes rejections by canonical escrow error code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrOperation differentiates entry points (deposit, fill, close, sweep).
	AttrOperation = attribute.Key("operation")
)

// LegAttributes returns common attributes for transfer-leg metrics.
func LegAttributes(environment, legKind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrLegKind.String(legKind),
		AttrResult.String(result),
	}
}

// FillAttributes returns attributes for fill metrics.
func FillAttributes(environment, srcAsset, dstAsset string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAsset.String(srcAsset),
		attribute.String("asset.dst", dstAsset),
	}
}

// RejectionAttributes returns attributes for rejected entry-point calls.
func RejectionAttributes(environment, operation, errorCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrErrorCode.String(errorCode),
	}
}
