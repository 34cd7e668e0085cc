// Package telemetry owns the OpenTelemetry instruments shared by the components.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/harrylevesque/hcsguard"

// Instruments is safe to use as a nil pointer; every method is then a no-op.
type Instruments struct {
	credentials metric.Int64Counter
	missions    metric.Int64Counter
	consumes    metric.Int64Counter
	scans       metric.Int64Counter
	shredded    metric.Int64Counter
	keys        metric.Int64Counter
	scanTime    metric.Float64Histogram
}

// New creates the instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		in  Instruments
		err error
	)
	if in.credentials, err = meter.Int64Counter("hcs.credentials.generated",
		metric.WithDescription("HCS codes generated")); err != nil {
		return nil, err
	}
	if in.missions, err = meter.Int64Counter("hcs.missions.encrypted",
		metric.WithDescription("Mission payloads encrypted")); err != nil {
		return nil, err
	}
	if in.consumes, err = meter.Int64Counter("hcs.qr.consumptions",
		metric.WithDescription("QR consumption attempts by outcome")); err != nil {
		return nil, err
	}
	if in.scans, err = meter.Int64Counter("hcs.integrity.scans",
		metric.WithDescription("Integrity scans by overall risk")); err != nil {
		return nil, err
	}
	if in.shredded, err = meter.Int64Counter("hcs.shredder.items",
		metric.WithDescription("Records shredded")); err != nil {
		return nil, err
	}
	if in.keys, err = meter.Int64Counter("hcs.shredder.keys",
		metric.WithDescription("Hardware keys revoked by the shredder")); err != nil {
		return nil, err
	}
	if in.scanTime, err = meter.Float64Histogram("hcs.integrity.scan.duration",
		metric.WithDescription("Full scan duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Instruments) CredentialGenerated(ctx context.Context) {
	if in != nil {
		in.credentials.Add(ctx, 1)
	}
}

func (in *Instruments) MissionEncrypted(ctx context.Context) {
	if in != nil {
		in.missions.Add(ctx, 1)
	}
}

// QRConsumed records one consumption attempt with outcome ok, expired, replay, device_mismatch or rejected.
func (in *Instruments) QRConsumed(ctx context.Context, outcome string) {
	if in != nil {
		in.consumes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (in *Instruments) ScanCompleted(ctx context.Context, risk string, seconds float64) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("risk", risk))
	in.scans.Add(ctx, 1, attrs)
	in.scanTime.Record(ctx, seconds, attrs)
}

func (in *Instruments) Shredded(ctx context.Context, items, keys int) {
	if in == nil {
		return
	}
	in.shredded.Add(ctx, int64(items))
	in.keys.Add(ctx, int64(keys))
}
