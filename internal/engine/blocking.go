package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

// blockingAsyncOps is the pipeline.AsyncOps a Worker hands to Callbacks
// when no fiber context is available: each DoAsyncOp call is its own
// synchronous device round trip through the batcher instead of a
// goroutine park.
type blockingAsyncOps struct {
	w *Worker
	d *packet.Descriptor

	// dropReason records why the op failed, for runBlocking to pass to
	// w.drop with more detail than the generic "match_action_error".
	dropReason string
}

var _ pipeline.AsyncOps = (*blockingAsyncOps)(nil)

func (b *blockingAsyncOps) DoAsyncOp(req pipeline.CryptoRequest) error {
	w, d := b.w, b.d
	creq := cryptodev.Request{
		Op:     toDeviceOp(req.Op),
		KeyID:  req.KeyID,
		AAD:    req.AAD,
		Data:   d.Buf.Bytes(),
		Offset: req.Offset,
		Token:  atomic.AddUint64(&w.tokenCounter, 1),
	}

	ctx := context.Background()
	if w.Tracer != nil {
		var span trace.Span
		ctx, span = w.Tracer.Start(ctx, "crypto_op_blocking")
		defer span.End()
	}
	start := time.Now()
	completion, err := w.Batcher.DoBlockingSyncOp(creq, w.BlockingTimeout)
	if w.Metrics != nil {
		opLabel := "encrypt"
		if creq.Op == cryptodev.OpDecrypt {
			opLabel = "decrypt"
		}
		status := "timeout"
		success := false
		if err == nil {
			status = completion.Status.String()
			success = completion.Status == cryptodev.StatusSuccess
		}
		w.Metrics.RecordCryptoOp(ctx, opLabel, time.Since(start), status, success)
	}
	if err != nil {
		b.dropReason = "blocking_crypto_timeout"
		return err
	}
	if completion.Status != cryptodev.StatusSuccess {
		cerr := completion.Err
		if cerr == nil {
			cerr = fmt.Errorf("engine: blocking crypto op failed with status %s", completion.Status)
		}
		switch w.Cfg.Crypto.FailurePolicy {
		case config.PolicyDrop:
			d.CryptoErr = cerr
			b.dropReason = "blocking_crypto_failure"
			return cerr
		default:
			w.abort("engine: blocking crypto op failed and failure policy is abort")
			return cerr
		}
	}

	return d.Buf.Replace(completion.Output)
}
